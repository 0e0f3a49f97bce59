package provision

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/utils/httpclient"
)

// maxConfirmPage bounds how much of an HTML interstitial is read.
const maxConfirmPage = 1 << 20

var (
	formActionRe  = regexp.MustCompile(`<form[^>]+id="download-form"[^>]+action="([^"]+)"`)
	hiddenInputRe = regexp.MustCompile(`<input[^>]+name="([^"]+)"[^>]+value="([^"]*)"`)
)

// DriveURL returns the direct download URL of a shared Google Drive file.
func DriveURL(fileID string) string {
	return "https://drive.google.com/uc?export=download&id=" + url.QueryEscape(fileID)
}

// Download fetches rawURL into dest. The body is written to a temporary file
// first and renamed into place once complete. Google Drive's large-file
// confirmation page is followed automatically.
func Download(ctx context.Context, client *httpclient.Client, rawURL, dest string) error {
	resp, err := get(ctx, client, rawURL)
	if err != nil {
		return err
	}

	if isHTML(resp) {
		next, ok := confirmURL(resp.Body)
		_ = resp.Body.Close()
		if !ok {
			return errors.ErrProvisionFailed.WithMessagef("download of %s returned an HTML page instead of an archive", redact(rawURL))
		}
		if resp, err = get(ctx, client, next); err != nil {
			return err
		}
		if isHTML(resp) {
			_ = resp.Body.Close()
			return errors.ErrProvisionFailed.WithMessage("download confirmation did not yield an archive")
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-")
	if err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return errors.ErrProvisionFailed.WithCause(fmt.Errorf("write %s: %w", dest, err))
	}
	if err := tmp.Close(); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return errors.ErrProvisionFailed.WithCause(err)
	}
	return nil
}

func get(ctx context.Context, client *httpclient.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.ErrProvisionFailed.WithCause(err)
	}
	resp, err := client.DoRequest(req)
	if err != nil {
		return nil, errors.ErrProvisionFailed.WithCause(err)
	}
	if err := httpclient.CheckStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, errors.ErrProvisionFailed.WithCause(err)
	}
	return resp, nil
}

func isHTML(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "text/html"
}

// confirmURL extracts the target of Drive's "download anyway" form.
func confirmURL(body io.Reader) (string, bool) {
	page, err := io.ReadAll(io.LimitReader(body, maxConfirmPage))
	if err != nil {
		return "", false
	}
	m := formActionRe.FindSubmatch(page)
	if m == nil {
		return "", false
	}
	target, err := url.Parse(string(m[1]))
	if err != nil {
		return "", false
	}
	q := target.Query()
	for _, in := range hiddenInputRe.FindAllSubmatch(page, -1) {
		q.Set(string(in[1]), string(in[2]))
	}
	target.RawQuery = q.Encode()
	return target.String(), true
}

// redact drops the query string, which may carry access tokens.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
