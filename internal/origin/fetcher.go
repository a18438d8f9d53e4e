// Package origin pulls fragments from the origin server over HTTP.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

var filenameRe = regexp.MustCompile(`filename="([^"]+)"`)

// Meta is what a HEAD request resolves about a fragment.
type Meta struct {
	Size     int64
	Filename string
}

type Fetcher struct {
	client       *http.Client
	nodeID       string
	token        string
	logger       *logrus.Logger
	showProgress bool
}

type Options struct {
	NodeID string
	Token  string
	Logger *logrus.Logger
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
	// ShowProgress renders a progress bar while streaming to disk.
	ShowProgress bool
}

func NewFetcher(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Fetcher{
		client:       client,
		nodeID:       opts.NodeID,
		token:        opts.Token,
		logger:       opts.Logger,
		showProgress: opts.ShowProgress,
	}
}

func (f *Fetcher) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Node-Id", f.nodeID)
	req.Header.Set("Node-Token", f.token)
	return req, nil
}

// Head resolves the fragment size and filename. Both response headers are
// required.
func (f *Fetcher) Head(ctx context.Context, url string) (Meta, error) {
	req, err := f.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return Meta{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Meta{}, fmt.Errorf("head %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Meta{}, fmt.Errorf("head %s: unexpected status %d", url, resp.StatusCode)
	}
	if resp.ContentLength <= 0 {
		return Meta{}, fmt.Errorf("head %s: missing Content-Length", url)
	}

	match := filenameRe.FindStringSubmatch(resp.Header.Get("Content-Disposition"))
	if match == nil {
		return Meta{}, fmt.Errorf("head %s: missing Content-Disposition filename", url)
	}

	return Meta{Size: resp.ContentLength, Filename: match[1]}, nil
}

// Download streams the fragment body to destPath. The partial file is removed
// on any error.
func (f *Fetcher) Download(ctx context.Context, url, destPath string, size int64) (err error) {
	req, err := f.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	file, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer func() {
		_ = file.Close()
		if err != nil {
			_ = os.Remove(destPath)
		}
	}()

	var dst io.Writer = file
	if f.showProgress {
		bar := progressbar.DefaultBytes(size, destPath)
		dst = io.MultiWriter(file, bar)
	}

	written, err := io.Copy(dst, resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if written != size {
		err = fmt.Errorf("download %s: wrote %d of %d bytes", url, written, size)
		return err
	}

	f.logger.Debugf("Downloaded %s (%d bytes) to %s", url, written, destPath)
	return nil
}
