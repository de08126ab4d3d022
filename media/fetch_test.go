package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, maxSize int64) *Fetcher {
	t.Helper()
	f, err := NewFetcher(t.TempDir(), maxSize)
	require.NoError(t, err)
	return f
}

func TestFetcher_Save(t *testing.T) {
	f := newTestFetcher(t, 1024)

	res, err := f.Save(strings.NewReader("audio bytes"), "My Song.MP3")
	require.NoError(t, err)

	assert.True(t, res.Source.Owned)
	assert.Equal(t, "My Song.MP3", res.Title)
	assert.Equal(t, f.Dir, filepath.Dir(res.Source.Location))
	assert.True(t, strings.HasSuffix(res.Source.Location, ".mp3"))

	data, err := os.ReadFile(res.Source.Location)
	require.NoError(t, err)
	assert.Equal(t, "audio bytes", string(data))
}

func TestFetcher_SaveAtAndOverLimit(t *testing.T) {
	f := newTestFetcher(t, 4)

	_, err := f.Save(strings.NewReader("1234"), "ok.bin")
	assert.NoError(t, err, "exactly at the limit is accepted")

	_, err = f.Save(strings.NewReader("12345"), "big.bin")
	assert.True(t, errors.Is(err, ErrTooLarge))

	entries, err := os.ReadDir(f.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected upload leaves no file behind")
}

func TestFetcher_SaveTitleFallback(t *testing.T) {
	f := newTestFetcher(t, 0)
	res, err := f.Save(strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "Uploaded Media", res.Title)
}

func TestSafeExt(t *testing.T) {
	assert.Equal(t, ".mkv", safeExt("a.MKV"))
	assert.Equal(t, "", safeExt("noext"))
	assert.Equal(t, "", safeExt("evil.m$v"))
	assert.Equal(t, "", safeExt("long.extension"))
}

func TestFetcher_Resolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clip.mp4":
			_, _ = w.Write([]byte("video"))
		case "/huge.mp4":
			w.Header().Set("Content-Length", "1000000")
			w.WriteHeader(http.StatusOK)
		case "/broken.mp4":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, 1024)
	ctx := context.Background()

	res, err := f.Resolve(ctx, Request{Query: srv.URL + "/clip.mp4"})
	require.NoError(t, err)
	assert.True(t, res.Source.Owned)
	assert.Equal(t, "clip.mp4", res.Title)
	data, err := os.ReadFile(res.Source.Location)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))

	_, err = f.Resolve(ctx, Request{Query: srv.URL + "/missing.mp4"})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.Resolve(ctx, Request{Query: srv.URL + "/huge.mp4"})
	assert.True(t, errors.Is(err, ErrTooLarge))

	_, err = f.Resolve(ctx, Request{Query: srv.URL + "/broken.mp4"})
	assert.True(t, errors.Is(err, ErrNetwork))

	_, err = f.Resolve(ctx, Request{Query: "ftp://example.com/a.mp3"})
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestFetcher_ResolveNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(t, 1024)
	_, err := f.Resolve(context.Background(), Request{Query: addr + "/gone.mp4"})
	assert.True(t, errors.Is(err, ErrNetwork))
}
