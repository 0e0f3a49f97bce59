// Package provision makes the index root available before the index store is
// opened. It downloads a zipped corpus when the root is absent, extracts it,
// and collapses nested archive layouts such as storage/storage/ into one root.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/utils/httpclient"
)

// maxSearchDepth bounds how deep FindIndexRoot looks for index files.
const maxSearchDepth = 3

// Config controls provisioning.
type Config struct {
	// Root is the directory the index store will be loaded from.
	Root string
	// URL is the archive location. Empty disables downloading.
	URL string
	// Archive is where the downloaded archive is written. Defaults to Root + ".zip".
	Archive string
	// KeepArchive keeps the archive after a successful extraction.
	KeepArchive bool
	// MaxBytes limits the uncompressed size of the archive.
	MaxBytes int64
	// Wait, when positive, blocks until an external process populates Root.
	Wait time.Duration
}

// Provisioner resolves the index root.
type Provisioner struct {
	cfg    Config
	client *httpclient.Client
}

// New creates a Provisioner. client may be nil when downloading is disabled.
func New(cfg Config, client *httpclient.Client) *Provisioner {
	if cfg.Archive == "" && cfg.Root != "" {
		cfg.Archive = filepath.Clean(cfg.Root) + ".zip"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if client == nil {
		client = httpclient.NewClient(10*time.Minute, 0)
	}
	return &Provisioner{cfg: cfg, client: client}
}

// Ensure returns a normalized index root, provisioning it when needed.
// A root that stays absent is left for the index store to report as not found.
func (p *Provisioner) Ensure(ctx context.Context) (string, error) {
	root := filepath.Clean(p.cfg.Root)

	if exists(root) {
		return root, Normalize(root)
	}

	if p.cfg.URL != "" {
		if err := p.fetch(ctx, root); err != nil {
			return "", err
		}
		return root, nil
	}

	if p.cfg.Wait > 0 {
		logger.Infow("waiting for index root", "root", root, "timeout", p.cfg.Wait)
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.Wait)
		defer cancel()
		if err := WaitForRoot(waitCtx, root); err != nil {
			return "", err
		}
		return root, Normalize(root)
	}

	return root, nil
}

func (p *Provisioner) fetch(ctx context.Context, root string) error {
	start := time.Now()
	logger.Infow("downloading index archive", "url", p.cfg.URL, "archive", p.cfg.Archive)

	if err := Download(ctx, p.client, p.cfg.URL, p.cfg.Archive); err != nil {
		return err
	}
	if !p.cfg.KeepArchive {
		defer func() { _ = os.Remove(p.cfg.Archive) }()
	}

	parent := filepath.Dir(root)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(root)+"-extract-")
	if err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	n, err := Extract(p.cfg.Archive, staging, p.cfg.MaxBytes)
	if err != nil {
		return err
	}

	found, ok := FindIndexRoot(staging, maxSearchDepth)
	if !ok {
		return errors.ErrProvisionFailed.WithMessagef("archive %s does not contain %s or %s",
			filepath.Base(p.cfg.Archive), store.DocStoreFile, store.VectorStoreFile)
	}
	if err := os.Rename(found, root); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}

	logger.Infow("index archive provisioned", "root", root, "files", n, "elapsed", time.Since(start))
	return nil
}

// Normalize collapses a root whose index files sit in a nested directory
// (root/storage/docstore.json) so that they end up directly under root.
// Only a chain of directories holding nothing besides the next level (and
// __MACOSX) is collapsed. Any other root is left untouched.
func Normalize(root string) error {
	found, ok := findIndexRoot(root, maxSearchDepth, true)
	if !ok || found == root {
		if !ok && hasNestedIndex(root) {
			logger.Warnw("nested index root not normalized, root holds other entries", "root", root)
		}
		return nil
	}

	tmp := root + ".normalize"
	if err := os.RemoveAll(tmp); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	if err := os.Rename(found, tmp); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	if err := os.RemoveAll(root); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	if err := os.Rename(tmp, root); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	logger.Infow("nested index root normalized", "root", root, "from", found)
	return nil
}

// FindIndexRoot returns the shallowest directory under dir that holds index
// files. At each level it only descends when there is exactly one subdirectory.
// Plain files and dot entries beside the subdirectory are ignored.
func FindIndexRoot(dir string, depth int) (string, bool) {
	return findIndexRoot(dir, depth, false)
}

// findIndexRoot in exclusive mode treats every entry except __MACOSX as a
// sibling, so it only descends through directories that hold nothing else.
func findIndexRoot(dir string, depth int, exclusive bool) (string, bool) {
	for level := 0; level <= depth; level++ {
		if hasIndexFiles(dir) {
			return dir, true
		}
		sub, ok := singleSubdir(dir, exclusive)
		if !ok {
			return "", false
		}
		dir = sub
	}
	return "", false
}

func hasIndexFiles(dir string) bool {
	for _, name := range []string{store.DocStoreFile, store.VectorStoreFile} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil && !fi.IsDir() {
			return true
		}
	}
	return false
}

func hasNestedIndex(root string) bool {
	found, ok := FindIndexRoot(root, maxSearchDepth)
	return ok && found != root
}

func singleSubdir(dir string, exclusive bool) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var sub string
	for _, e := range entries {
		if e.Name() == "__MACOSX" {
			continue
		}
		if !exclusive && (!e.IsDir() || e.Name()[0] == '.') {
			continue
		}
		if !e.IsDir() {
			return "", false
		}
		if sub != "" {
			return "", false
		}
		sub = filepath.Join(dir, e.Name())
	}
	return sub, sub != ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// String describes the configuration without credentials that may sit in the URL query.
func (c Config) String() string {
	return fmt.Sprintf("root=%s download=%t wait=%s", c.Root, c.URL != "", c.Wait)
}
