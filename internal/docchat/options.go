package docchat

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/kart-io/docchat/internal/docchat/biz"
	"github.com/kart-io/docchat/internal/docchat/provision"
	"github.com/kart-io/docchat/pkg/infra/app"
	"github.com/kart-io/docchat/pkg/options"
	cacheopts "github.com/kart-io/docchat/pkg/options/cache"
	httpopts "github.com/kart-io/docchat/pkg/options/http"
	llmopts "github.com/kart-io/docchat/pkg/options/llm"
	logopts "github.com/kart-io/docchat/pkg/options/logger"
	milvusopts "github.com/kart-io/docchat/pkg/options/milvus"
	retryopts "github.com/kart-io/docchat/pkg/options/retry"
	tracingopts "github.com/kart-io/docchat/pkg/options/tracing"
)

// Index backends.
const (
	BackendMemory = "memory"
	BackendMilvus = "milvus"
)

// DefaultDriveFileID is the shared archive of the audit corpus.
const DefaultDriveFileID = "1PdwjktYw1DV3Y45hPlQ9d_WIoC-1Djye"

var _ app.CliOptions = (*Options)(nil)

// Options contains every docchat option group.
type Options struct {
	HTTP      *httpopts.Options        `json:"http" mapstructure:"http"`
	Log       *logopts.Options         `json:"log" mapstructure:"log"`
	Tracing   *tracingopts.Options     `json:"tracing" mapstructure:"tracing"`
	Index     *IndexOptions            `json:"index" mapstructure:"index"`
	Milvus    *milvusopts.Options      `json:"milvus" mapstructure:"milvus"`
	Embedding *llmopts.ProviderOptions `json:"embedding" mapstructure:"embedding"`
	Chat      *llmopts.ProviderOptions `json:"chat" mapstructure:"chat"`
	Session   *SessionOptions          `json:"session" mapstructure:"session"`
	Cache     *cacheopts.Options       `json:"cache" mapstructure:"cache"`
	Retry     *retryopts.Options       `json:"retry" mapstructure:"retry"`
	Provision *ProvisionOptions        `json:"provision" mapstructure:"provision"`
}

// NewOptions creates Options with the defaults of the audit deployment.
func NewOptions() *Options {
	return &Options{
		HTTP:      httpopts.NewOptions(),
		Log:       logopts.NewOptions(),
		Tracing:   tracingopts.NewOptions(),
		Index:     NewIndexOptions(),
		Milvus:    milvusopts.NewOptions(),
		Embedding: llmopts.NewEmbeddingOptions(),
		Chat:      llmopts.NewChatOptions(),
		Session:   NewSessionOptions(),
		Cache:     cacheopts.NewOptions(),
		Retry:     retryopts.NewOptions(),
		Provision: NewProvisionOptions(),
	}
}

// Flags returns the flags grouped by section.
func (o *Options) Flags() (fss cliflag.NamedFlagSets) {
	o.HTTP.AddFlags(fss.FlagSet("http"))
	o.Log.AddFlags(fss.FlagSet("log"))
	o.Tracing.AddFlags(fss.FlagSet("tracing"))
	o.Index.AddFlags(fss.FlagSet("index"))
	o.Milvus.AddFlags(fss.FlagSet("milvus"))
	o.Embedding.AddFlags(fss.FlagSet("embedding"))
	o.Chat.AddFlags(fss.FlagSet("chat"))
	o.Session.AddFlags(fss.FlagSet("session"))
	o.Cache.AddFlags(fss.FlagSet("cache"))
	o.Retry.AddFlags(fss.FlagSet("retry"))
	o.Provision.AddFlags(fss.FlagSet("provision"))
	return fss
}

// Complete fills derived defaults in every group.
func (o *Options) Complete() error {
	for _, c := range []options.Completer{
		o.HTTP, o.Log, o.Tracing, o.Embedding, o.Chat, o.Cache, o.Index, o.Session, o.Provision,
	} {
		if err := c.Complete(); err != nil {
			return err
		}
	}
	if o.Tracing.ServiceVersion == "" {
		o.Tracing.ServiceVersion = app.GetVersion()
	}
	return nil
}

// Validate validates all option groups.
func (o *Options) Validate() error {
	var errs []error
	errs = append(errs, o.HTTP.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	errs = append(errs, o.Tracing.Validate()...)
	errs = append(errs, o.Index.Validate()...)
	if o.Index.Backend == BackendMilvus {
		errs = append(errs, o.Milvus.Validate()...)
	}
	errs = append(errs, o.Embedding.Validate()...)
	errs = append(errs, o.Chat.Validate()...)
	errs = append(errs, o.Session.Validate()...)
	errs = append(errs, o.Cache.Validate()...)
	errs = append(errs, o.Retry.Validate()...)
	errs = append(errs, o.Provision.Validate()...)
	return utilerrors.NewAggregate(errs)
}

// IndexOptions configures the index store.
type IndexOptions struct {
	// Root is the directory holding docstore.json and default__vector_store.json.
	Root string `json:"root" mapstructure:"root"`
	// Backend serves queries from memory or from the Milvus mirror.
	Backend string `json:"backend" mapstructure:"backend"`
	// Preload loads the index at startup instead of on the first session.
	Preload bool `json:"preload" mapstructure:"preload"`
	// ProbeEmbedding embeds a probe text when a session is created.
	ProbeEmbedding bool `json:"probe-embedding" mapstructure:"probe-embedding"`
	// DecodeWorkers sizes the pool used to decode index files. Zero uses GOMAXPROCS.
	DecodeWorkers int `json:"decode-workers" mapstructure:"decode-workers"`
}

// NewIndexOptions returns the default index options.
func NewIndexOptions() *IndexOptions {
	return &IndexOptions{
		Root:    "./storage",
		Backend: BackendMemory,
		Preload: true,
	}
}

// AddFlags adds index flags.
func (o *IndexOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "index."
	fs.StringVar(&o.Root, p+"root", o.Root, "Directory of the persisted index.")
	fs.StringVar(&o.Backend, p+"backend", o.Backend, "Query backend (memory|milvus).")
	fs.BoolVar(&o.Preload, p+"preload", o.Preload, "Load the index at startup.")
	fs.BoolVar(&o.ProbeEmbedding, p+"probe-embedding", o.ProbeEmbedding, "Verify the embedding provider when a session is created.")
	fs.IntVar(&o.DecodeWorkers, p+"decode-workers", o.DecodeWorkers, "Workers decoding index files (0 uses GOMAXPROCS).")
}

// Validate validates index options.
func (o *IndexOptions) Validate() []error {
	var errs []error
	if strings.TrimSpace(o.Root) == "" {
		errs = append(errs, fmt.Errorf("index.root is required"))
	}
	switch o.Backend {
	case BackendMemory, BackendMilvus:
	default:
		errs = append(errs, fmt.Errorf("index.backend must be %s or %s", BackendMemory, BackendMilvus))
	}
	if o.DecodeWorkers < 0 {
		errs = append(errs, fmt.Errorf("index.decode-workers must not be negative"))
	}
	return errs
}

// Complete normalizes index options.
func (o *IndexOptions) Complete() error {
	o.Backend = strings.ToLower(strings.TrimSpace(o.Backend))
	return nil
}

// SessionOptions configures chat sessions.
type SessionOptions struct {
	TopK                int           `json:"top-k" mapstructure:"top-k"`
	SystemPrompt        string        `json:"system-prompt" mapstructure:"system-prompt"`
	InstructionTemplate string        `json:"instruction-template" mapstructure:"instruction-template"`
	MaxSessions         int           `json:"max-sessions" mapstructure:"max-sessions"`
	IdleTTL             time.Duration `json:"idle-ttl" mapstructure:"idle-ttl"`
	SubmitTimeout       time.Duration `json:"submit-timeout" mapstructure:"submit-timeout"`
	GenerationTimeout   time.Duration `json:"generation-timeout" mapstructure:"generation-timeout"`
	ExcerptRunes        int           `json:"excerpt-runes" mapstructure:"excerpt-runes"`
}

// NewSessionOptions returns the default session options.
func NewSessionOptions() *SessionOptions {
	return &SessionOptions{
		TopK:                15,
		SystemPrompt:        biz.DefaultSystemPrompt,
		InstructionTemplate: biz.DefaultInstructionTemplate,
		MaxSessions:         1000,
		IdleTTL:             30 * time.Minute,
		SubmitTimeout:       3 * time.Minute,
		GenerationTimeout:   2 * time.Minute,
		ExcerptRunes:        240,
	}
}

// AddFlags adds session flags.
func (o *SessionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "session."
	fs.IntVar(&o.TopK, p+"top-k", o.TopK, "Chunks retrieved per query.")
	fs.StringVar(&o.SystemPrompt, p+"system-prompt", o.SystemPrompt, "System prompt sent with every generation.")
	fs.StringVar(&o.InstructionTemplate, p+"instruction-template", o.InstructionTemplate,
		"Template wrapping each query; must contain "+biz.TopicPlaceholder+".")
	fs.IntVar(&o.MaxSessions, p+"max-sessions", o.MaxSessions, "Maximum live sessions (0 is unlimited).")
	fs.DurationVar(&o.IdleTTL, p+"idle-ttl", o.IdleTTL, "Close sessions idle for this long (0 disables).")
	fs.DurationVar(&o.SubmitTimeout, p+"submit-timeout", o.SubmitTimeout, "Upper bound for one submit (0 disables).")
	fs.DurationVar(&o.GenerationTimeout, p+"generation-timeout", o.GenerationTimeout, "Upper bound for one LLM call (0 disables).")
	fs.IntVar(&o.ExcerptRunes, p+"excerpt-runes", o.ExcerptRunes, "Characters of chunk text returned with each source (0 omits).")
}

// Validate validates session options.
func (o *SessionOptions) Validate() []error {
	var errs []error
	if o.TopK <= 0 {
		errs = append(errs, fmt.Errorf("session.top-k must be a positive integer"))
	}
	if !strings.Contains(o.InstructionTemplate, biz.TopicPlaceholder) {
		errs = append(errs, fmt.Errorf("session.instruction-template must contain %s", biz.TopicPlaceholder))
	}
	if o.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max-sessions must not be negative"))
	}
	if o.IdleTTL < 0 || o.SubmitTimeout < 0 || o.GenerationTimeout < 0 {
		errs = append(errs, fmt.Errorf("session durations must not be negative"))
	}
	if o.ExcerptRunes < 0 {
		errs = append(errs, fmt.Errorf("session.excerpt-runes must not be negative"))
	}
	return errs
}

// Complete fills empty templates with the defaults.
func (o *SessionOptions) Complete() error {
	if strings.TrimSpace(o.InstructionTemplate) == "" {
		o.InstructionTemplate = biz.DefaultInstructionTemplate
	}
	return nil
}

// ProvisionOptions configures corpus provisioning.
type ProvisionOptions struct {
	Enabled     bool          `json:"enabled" mapstructure:"enabled"`
	URL         string        `json:"url" mapstructure:"url"`
	DriveFileID string        `json:"drive-file-id" mapstructure:"drive-file-id"`
	Archive     string        `json:"archive" mapstructure:"archive"`
	KeepArchive bool          `json:"keep-archive" mapstructure:"keep-archive"`
	MaxBytes    int64         `json:"max-bytes" mapstructure:"max-bytes"`
	Wait        time.Duration `json:"wait" mapstructure:"wait"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewProvisionOptions returns the default provisioning options.
func NewProvisionOptions() *ProvisionOptions {
	return &ProvisionOptions{
		DriveFileID: DefaultDriveFileID,
		Archive:     "storage.zip",
		MaxBytes:    provision.DefaultMaxBytes,
		Timeout:     10 * time.Minute,
	}
}

// AddFlags adds provisioning flags.
func (o *ProvisionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "provision."
	fs.BoolVar(&o.Enabled, p+"enabled", o.Enabled, "Download the index archive when the index root is absent.")
	fs.StringVar(&o.URL, p+"url", o.URL, "Archive URL; empty uses the Google Drive file id.")
	fs.StringVar(&o.DriveFileID, p+"drive-file-id", o.DriveFileID, "Google Drive file id of the archive.")
	fs.StringVar(&o.Archive, p+"archive", o.Archive, "Local path of the downloaded archive.")
	fs.BoolVar(&o.KeepArchive, p+"keep-archive", o.KeepArchive, "Keep the archive after extraction.")
	fs.Int64Var(&o.MaxBytes, p+"max-bytes", o.MaxBytes, "Maximum uncompressed archive size.")
	fs.DurationVar(&o.Wait, p+"wait", o.Wait, "Wait this long for an external process to populate the index root (0 disables).")
	fs.DurationVar(&o.Timeout, p+"timeout", o.Timeout, "Download timeout.")
}

// Validate validates provisioning options.
func (o *ProvisionOptions) Validate() []error {
	var errs []error
	if o.Enabled && o.URL == "" && o.DriveFileID == "" {
		errs = append(errs, fmt.Errorf("provision.url or provision.drive-file-id is required when provisioning is enabled"))
	}
	if o.Wait < 0 || o.Timeout < 0 {
		errs = append(errs, fmt.Errorf("provision durations must not be negative"))
	}
	return errs
}

// Complete resolves the download URL.
func (o *ProvisionOptions) Complete() error {
	if o.Enabled && o.URL == "" && o.DriveFileID != "" {
		o.URL = provision.DriveURL(o.DriveFileID)
	}
	return nil
}

// Config converts the options into a provisioning config for root.
func (o *ProvisionOptions) Config(root string) provision.Config {
	cfg := provision.Config{
		Root:        root,
		Archive:     o.Archive,
		KeepArchive: o.KeepArchive,
		MaxBytes:    o.MaxBytes,
		Wait:        o.Wait,
	}
	if o.Enabled {
		cfg.URL = o.URL
	}
	return cfg
}
