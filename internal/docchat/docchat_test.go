package docchat

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/docchat/internal/docchat/provision"
	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/utils/json"
)

func writeIndex(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, store.SaveDir(root, "idx-test", []store.Chunk{
		{ID: "A", Text: "Decree 12 sets leave at 14 days", Source: "SK-12.pdf", Embedding: []float32{1, 0.2, 0}},
		{ID: "B", Text: "Cafeteria opening hours", Source: "memo.pdf", Embedding: []float32{0, 0, 1}},
	}))
	return root
}

func TestOptionsDefaultsValidate(t *testing.T) {
	opts := NewOptions()
	require.NoError(t, opts.Complete())
	require.NoError(t, opts.Validate())

	assert.Equal(t, "./storage", opts.Index.Root)
	assert.Equal(t, 15, opts.Session.TopK)
	assert.Equal(t, "gemini-2.5-flash", opts.Chat.Model)
	assert.Equal(t, DefaultDriveFileID, opts.Provision.DriveFileID)
}

func TestOptionsValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"top-k", func(o *Options) { o.Session.TopK = 0 }, "session.top-k"},
		{"template", func(o *Options) { o.Session.InstructionTemplate = "no placeholder" }, "{topic}"},
		{"backend", func(o *Options) { o.Index.Backend = "sqlite" }, "index.backend"},
		{"milvus only for milvus backend", func(o *Options) {
			o.Index.Backend = BackendMilvus
			o.Milvus.Address = ""
		}, "milvus.address"},
		{"provision source", func(o *Options) {
			o.Provision.Enabled = true
			o.Provision.DriveFileID = ""
		}, "provision.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			tt.mutate(opts)
			err := opts.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	opts := NewOptions()
	opts.Milvus.Address = ""
	assert.NoError(t, opts.Validate(), "milvus options are ignored by the memory backend")
}

func TestProvisionOptions(t *testing.T) {
	o := NewProvisionOptions()
	require.NoError(t, o.Complete())
	assert.Empty(t, o.URL)
	assert.Empty(t, o.Config("./storage").URL, "disabled provisioning never downloads")

	o.Enabled = true
	require.NoError(t, o.Complete())
	assert.Equal(t, provision.DriveURL(DefaultDriveFileID), o.URL)

	cfg := o.Config("./storage")
	assert.Equal(t, o.URL, cfg.URL)
	assert.Equal(t, "./storage", cfg.Root)
	assert.Equal(t, "storage.zip", cfg.Archive)
}

func TestFlagsRegistered(t *testing.T) {
	fss := NewOptions().Flags()
	names := map[string]bool{}
	for _, fs := range fss.FlagSets {
		fs.VisitAll(func(f *pflag.Flag) { names[f.Name] = true })
	}
	for _, want := range []string{
		"http.addr", "index.root", "index.backend", "session.top-k", "session.idle-ttl",
		"chat.provider", "embedding.model", "cache.enabled", "cache.redis.host",
		"retry.enabled", "milvus.address", "provision.drive-file-id", "tracing.enabled",
	} {
		assert.True(t, names[want], want)
	}
}

func TestIndexStatsCommand(t *testing.T) {
	opts := NewOptions()
	opts.Index.Root = writeIndex(t)
	require.NoError(t, opts.Complete())

	cmd := newIndexCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stats"})
	require.NoError(t, cmd.Execute())

	var st store.Stats
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, "memory", st.Backend)
	assert.Equal(t, "idx-test", st.IndexID)
	assert.Equal(t, 2, st.Chunks)
	assert.Equal(t, 3, st.Dimension)
}

func TestNewServerServesPreloadedIndex(t *testing.T) {
	opts := NewOptions()
	opts.Index.Root = writeIndex(t)
	opts.Embedding.Provider = "ollama"
	opts.Chat.Provider = "ollama"
	opts.HTTP.Mode = "test"
	require.NoError(t, opts.Complete())
	require.NoError(t, opts.Validate())

	s, err := NewServer(context.Background(), opts)
	require.NoError(t, err)
	defer s.release(context.Background())

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	w := get("/v1/index/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Code int         `json:"code"`
		Data store.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Code)
	assert.Equal(t, 2, body.Data.Chunks)

	w = get("/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "docchat_index_loads_total"))
}
