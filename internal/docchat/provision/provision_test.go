package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/docchat/internal/docchat/store"
	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/utils/httpclient"
)

func sampleChunks() []store.Chunk {
	return []store.Chunk{
		{ID: "A", Text: "Decree 12 sets leave at 14 days", Source: "SK-12.pdf", Metadata: map[string]any{"file_name": "SK-12.pdf"}, Embedding: []float32{1, 0.2, 0}},
		{ID: "B", Text: "Cafeteria opening hours", Source: "memo.pdf", Metadata: map[string]any{"file_name": "memo.pdf"}, Embedding: []float32{0, 0, 1}},
	}
}

// zipIndex builds an archive holding a persisted index under prefix.
func zipIndex(t *testing.T, prefix string) []byte {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, store.SaveDir(src, "idx-1", sampleChunks()))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		require.NoError(t, err)
		w, err := zw.Create(prefix + e.Name())
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	path := filepath.Join(t.TempDir(), "a.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestExtract(t *testing.T) {
	src := writeZip(t, map[string]string{
		"storage/docstore.json": "{}",
		"storage/sub/x.txt":     "hello",
	})
	dir := t.TempDir()

	n, err := Extract(src, dir, DefaultMaxBytes)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dir, "storage", "sub", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestExtract_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]string
		limit   int64
	}{
		{"parent traversal", map[string]string{"../evil.txt": "x"}, DefaultMaxBytes},
		{"nested traversal", map[string]string{"storage/../../evil.txt": "x"}, DefaultMaxBytes},
		{"absolute", map[string]string{"/etc/evil": "x"}, DefaultMaxBytes},
		{"too large", map[string]string{"big.bin": "0123456789"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dir := filepath.Join(parent, "out")
			require.NoError(t, os.Mkdir(dir, 0o755))

			_, err := Extract(writeZip(t, tt.entries), dir, tt.limit)
			assert.ErrorIs(t, err, errors.ErrProvisionFailed)
			_, statErr := os.Stat(filepath.Join(parent, "evil.txt"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestFindIndexRootAndNormalize(t *testing.T) {
	root := filepath.Join(t.TempDir(), "storage")
	nested := filepath.Join(root, "storage")
	require.NoError(t, store.SaveDir(nested, "idx-1", sampleChunks()))

	found, ok := FindIndexRoot(root, maxSearchDepth)
	require.True(t, ok)
	assert.Equal(t, nested, found)

	require.NoError(t, Normalize(root))
	found, ok = FindIndexRoot(root, maxSearchDepth)
	require.True(t, ok)
	assert.Equal(t, root, found)

	idx, err := store.LoadDir(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
}

func TestNormalize_Ambiguous(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, store.SaveDir(filepath.Join(root, "a"), "a", sampleChunks()))
	require.NoError(t, store.SaveDir(filepath.Join(root, "b"), "b", sampleChunks()))

	_, ok := FindIndexRoot(root, maxSearchDepth)
	assert.False(t, ok)
	require.NoError(t, Normalize(root))
	assert.DirExists(t, filepath.Join(root, "a"))
}

func TestEnsure_KeepsSiblingsOfNestedIndex(t *testing.T) {
	tests := []struct {
		name    string
		sibling func(root string) error
	}{
		{"plain file", func(root string) error {
			return os.WriteFile(filepath.Join(root, "README.txt"), []byte("keep me"), 0o644)
		}},
		{"dot directory", func(root string) error {
			return os.MkdirAll(filepath.Join(root, ".git"), 0o755)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := filepath.Join(t.TempDir(), "storage")
			inner := filepath.Join(root, "inner")
			require.NoError(t, store.SaveDir(inner, "idx-1", sampleChunks()))
			require.NoError(t, tt.sibling(root))

			got, err := New(Config{Root: root}, nil).Ensure(context.Background())
			require.NoError(t, err)
			assert.Equal(t, root, got)

			entries, err := os.ReadDir(root)
			require.NoError(t, err)
			assert.Len(t, entries, 2)
			assert.FileExists(t, filepath.Join(inner, store.DocStoreFile))
		})
	}
}

func TestNormalize_IgnoresMacOSMetadata(t *testing.T) {
	root := filepath.Join(t.TempDir(), "storage")
	require.NoError(t, store.SaveDir(filepath.Join(root, "storage"), "idx-1", sampleChunks()))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "__MACOSX"), 0o755))

	require.NoError(t, Normalize(root))
	assert.FileExists(t, filepath.Join(root, store.DocStoreFile))
	assert.NoDirExists(t, filepath.Join(root, "__MACOSX"))
}

func TestEnsure_DownloadsNestedArchive(t *testing.T) {
	archive := zipIndex(t, "storage/storage/")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	root := filepath.Join(t.TempDir(), "storage")
	p := New(Config{Root: root, URL: srv.URL + "/storage.zip"}, httpclient.NewClient(5*time.Second, 0))

	got, err := p.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, root, got)

	idx, err := store.LoadDir(context.Background(), got)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
	assert.NoFileExists(t, root+".zip")
}

func TestEnsure_ExistingRootUntouched(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, store.SaveDir(root, "idx", sampleChunks()))

	p := New(Config{Root: root, URL: "http://127.0.0.1:0/never"}, nil)
	got, err := p.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(root), got)
}

func TestEnsure_NoSourceLeavesRootAbsent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	got, err := New(Config{Root: root}, nil).Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, root, got)

	_, err = store.LoadDir(context.Background(), got)
	assert.ErrorIs(t, err, errors.ErrIndexNotFound)
}

func TestEnsure_ArchiveWithoutIndex(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("readme.txt")
	_, _ = w.Write([]byte("nothing here"))
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	root := filepath.Join(t.TempDir(), "storage")
	_, err := New(Config{Root: root, URL: srv.URL}, nil).Ensure(context.Background())
	assert.ErrorIs(t, err, errors.ErrProvisionFailed)
	assert.NoDirExists(t, root)
}

func TestDownload_DriveConfirmation(t *testing.T) {
	archive := zipIndex(t, "")
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/uc":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, `<html><body><form id="download-form" action="%s/download" method="get">`+
				`<input type="hidden" name="id" value="file-1">`+
				`<input type="hidden" name="confirm" value="t">`+
				`<input type="hidden" name="uuid" value="u-42"></form></body></html>`, srv.URL)
		case "/download":
			if r.URL.Query().Get("confirm") != "t" || r.URL.Query().Get("uuid") != "u-42" {
				http.Error(w, "missing token", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "storage.zip")
	require.NoError(t, Download(context.Background(), httpclient.NewClient(5*time.Second, 0), srv.URL+"/uc?id=file-1", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, archive, data)
}

func TestDownload_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/html" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>quota exceeded</html>"))
			return
		}
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	client := httpclient.NewClient(5*time.Second, 0)
	dest := filepath.Join(t.TempDir(), "x.zip")

	err := Download(context.Background(), client, srv.URL+"/missing", dest)
	assert.ErrorIs(t, err, errors.ErrProvisionFailed)

	err = Download(context.Background(), client, srv.URL+"/html?token=secret", dest)
	assert.ErrorIs(t, err, errors.ErrProvisionFailed)
	assert.NotContains(t, err.Error(), "secret")
	assert.NoFileExists(t, dest)
}

func TestDriveURL(t *testing.T) {
	assert.Equal(t, "https://drive.google.com/uc?export=download&id=1PdwjktYw1DV3Y45hPlQ9d_WIoC-1Djye",
		DriveURL("1PdwjktYw1DV3Y45hPlQ9d_WIoC-1Djye"))
}

func TestWaitForRoot(t *testing.T) {
	t.Run("populated later", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "storage")
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = store.SaveDir(root, "idx", sampleChunks())
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, WaitForRoot(ctx, root))
		assert.FileExists(t, filepath.Join(root, store.DocStoreFile))
	})

	t.Run("times out", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "storage")
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := WaitForRoot(ctx, root)
		assert.ErrorIs(t, err, errors.ErrProvisionFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
