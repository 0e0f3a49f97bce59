package provision

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kart-io/docchat/pkg/errors"
)

// DefaultMaxBytes is the default limit on the uncompressed archive size.
const DefaultMaxBytes int64 = 4 << 30

// Extract unpacks the zip archive at src into dir and returns the number of
// files written. Entries that escape dir, symlinks and archives larger than
// maxBytes once uncompressed are rejected.
func Extract(src, dir string, maxBytes int64) (int, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, errors.ErrProvisionFailed.WithMessagef("open archive %s", filepath.Base(src)).WithCause(err)
	}
	defer func() { _ = zr.Close() }()

	base, err := filepath.Abs(dir)
	if err != nil {
		return 0, errors.ErrProvisionFailed.WithCause(err)
	}

	var written int64
	files := 0
	for _, f := range zr.File {
		target, err := entryPath(base, f.Name)
		if err != nil {
			return files, err
		}
		mode := f.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			return files, errors.ErrProvisionFailed.WithMessagef("archive entry %q is a symlink", f.Name)
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, errors.ErrProvisionFailed.WithCause(err)
			}
			continue
		}

		n, err := extractFile(f, target, maxBytes-written)
		written += n
		if err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

func entryPath(base, name string) (string, error) {
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") || filepath.VolumeName(clean) != "" {
		return "", errors.ErrProvisionFailed.WithMessagef("archive entry %q has an absolute path", name)
	}
	target := filepath.Join(base, clean)
	if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", errors.ErrProvisionFailed.WithMessagef("archive entry %q escapes the target directory", name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if budget <= 0 {
		return 0, errors.ErrProvisionFailed.WithMessage("archive exceeds the uncompressed size limit")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, errors.ErrProvisionFailed.WithCause(err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, errors.ErrProvisionFailed.WithMessagef("read archive entry %q", f.Name).WithCause(err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errors.ErrProvisionFailed.WithCause(err)
	}

	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.ErrProvisionFailed.WithCause(fmt.Errorf("extract %q: %w", f.Name, err))
	}
	if n > budget {
		return n, errors.ErrProvisionFailed.WithMessage("archive exceeds the uncompressed size limit")
	}
	return n, nil
}
