package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/lithammer/shortuuid/v4"
)

// Fetcher materializes media into temporary files the relay owns: uploads
// via Save, remote URLs via Resolve.
type Fetcher struct {
	Dir        string
	MaxSize    int64
	HTTPClient *http.Client
}

// NewFetcher creates a fetcher writing into dir. An empty dir gets a fresh
// temporary directory.
func NewFetcher(dir string, maxSize int64) (*Fetcher, error) {
	if dir == "" {
		d, err := os.MkdirTemp("", "rtmprelay_")
		if err != nil {
			return nil, fmt.Errorf("could not create temp directory: %w", err)
		}
		dir = d
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("could not create temp directory: %w", err)
	}
	return &Fetcher{Dir: dir, MaxSize: maxSize, HTTPClient: http.DefaultClient}, nil
}

// Save copies r into a new owned temporary file. name only contributes its
// extension and the display title.
func (f *Fetcher) Save(r io.Reader, name string) (Resolved, error) {
	tmp, err := os.CreateTemp(f.Dir, fmt.Sprintf("%s_input_*%s", shortuuid.New(), safeExt(name)))
	if err != nil {
		return Resolved{}, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	// One extra byte tells "exactly at the limit" from "over it".
	src := r
	if f.MaxSize > 0 {
		src = &io.LimitedReader{R: r, N: f.MaxSize + 1}
	}
	written, err := io.Copy(tmp, src)
	if err != nil {
		cleanup()
		return Resolved{}, fmt.Errorf("failed to write input file: %w", err)
	}
	if f.MaxSize > 0 && written > f.MaxSize {
		cleanup()
		return Resolved{}, fmt.Errorf("%w of %d bytes", ErrTooLarge, f.MaxSize)
	}
	// Close before the transcoder reads it.
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Resolved{}, err
	}

	title := strings.TrimSpace(filepath.Base(name))
	if title == "" || title == "." || title == string(filepath.Separator) {
		title = "Uploaded Media"
	}
	return Resolved{
		Source: Source{Location: tmp.Name(), Owned: true},
		Title:  title,
	}, nil
}

// Resolve downloads an http(s) URL into an owned temporary file.
func (f *Fetcher) Resolve(ctx context.Context, req Request) (Resolved, error) {
	u, err := url.Parse(strings.TrimSpace(req.Query))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Resolved{}, fmt.Errorf("%w: %q is not an http(s) URL", ErrUnsupported, req.Query)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	resp, err := f.HTTPClient.Do(httpReq)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Resolved{}, fmt.Errorf("%w: %s", ErrNotFound, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return Resolved{}, fmt.Errorf("%w: failed to download file, status: %s", ErrNetwork, resp.Status)
	}
	if f.MaxSize > 0 && resp.ContentLength > f.MaxSize {
		return Resolved{}, fmt.Errorf("%w of %d bytes", ErrTooLarge, f.MaxSize)
	}

	res, err := f.Save(resp.Body, path.Base(u.Path))
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Resolved{}, err
		}
		return Resolved{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return res, nil
}

// safeExt keeps a short alphanumeric extension so ffmpeg can still sniff by
// name; anything else is dropped.
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
