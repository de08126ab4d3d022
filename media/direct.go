package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

var directSchemes = map[string]bool{
	"http": true, "https": true, "rtmp": true, "rtmps": true, "rtsp": true, "srt": true,
}

// Direct hands a remote URL straight to the transcoder. Nothing is
// downloaded, so the source is never owned.
type Direct struct{}

// Resolve validates the URL and returns it untouched.
func (Direct) Resolve(_ context.Context, req Request) (Resolved, error) {
	raw := strings.TrimSpace(req.Query)
	u, err := url.Parse(raw)
	if err != nil || !directSchemes[strings.ToLower(u.Scheme)] || u.Host == "" {
		return Resolved{}, fmt.Errorf("%w: %q is not a media URL", ErrUnsupported, raw)
	}
	return Resolved{
		Source: Source{Location: raw},
		Title:  "Direct URL",
	}, nil
}
