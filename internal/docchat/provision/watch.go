package provision

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/errors"
)

// WaitForRoot blocks until root (or a single nested directory below it) holds
// index files, or ctx ends. It watches the parent and the root itself so a
// provisioner running in another process or container is picked up without
// polling.
func WaitForRoot(ctx context.Context, root string) error {
	root = filepath.Clean(root)
	if populated(root) {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	defer func() { _ = w.Close() }()

	parent := filepath.Dir(root)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	if err := w.Add(parent); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	watched := map[string]bool{parent: true}
	watchTree := func() {
		dir := root
		for i := 0; i <= maxSearchDepth; i++ {
			if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
				return
			}
			if !watched[dir] && w.Add(dir) == nil {
				watched[dir] = true
			}
			sub, ok := singleSubdir(dir, false)
			if !ok {
				return
			}
			dir = sub
		}
	}

	// The root may have appeared between the first check and Add.
	watchTree()
	if populated(root) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return errors.ErrProvisionFailed.WithMessagef("index root %s was not populated in time", root).WithCause(ctx.Err())
		case err, ok := <-w.Errors:
			if !ok {
				return errors.ErrProvisionFailed.WithMessage("file watcher closed")
			}
			return errors.ErrProvisionFailed.WithCause(err)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.ErrProvisionFailed.WithMessage("file watcher closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			watchTree()
			if populated(root) {
				return nil
			}
		}
	}
}

// populated reports whether both index files are present under root.
func populated(root string) bool {
	dir, ok := FindIndexRoot(root, maxSearchDepth)
	if !ok {
		return false
	}
	for _, name := range []string{store.DocStoreFile, store.VectorStoreFile} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err != nil || fi.IsDir() {
			return false
		}
	}
	return true
}
