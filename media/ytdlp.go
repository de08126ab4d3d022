package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"
)

const (
	audioFormat = "bestaudio/best"
	videoFormat = "bestvideo+bestaudio/best"
)

// YTDLP resolves URLs and search terms through the yt-dlp binary. The stream
// URL it extracts is played remotely; nothing is downloaded.
type YTDLP struct {
	Bin     string
	Cookies string // optional Netscape cookies file
}

type ytdlpInfo struct {
	URL       string      `json:"url"`
	Title     string      `json:"title"`
	Duration  float64     `json:"duration"`
	Thumbnail string      `json:"thumbnail"`
	Formats   []ytdlpFmt  `json:"formats"`
	Entries   []ytdlpInfo `json:"entries"`
}

type ytdlpFmt struct {
	URL string `json:"url"`
}

// Args returns the yt-dlp arguments for req.
func (y *YTDLP) Args(req Request) []string {
	format := audioFormat
	if req.Video {
		format = videoFormat
	}
	args := []string{"--dump-single-json", "--no-playlist", "--no-warnings", "--quiet", "-f", format}
	if y.Cookies != "" {
		args = append(args, "--cookies", y.Cookies)
	}

	query := strings.TrimSpace(req.Query)
	if !strings.Contains(query, "://") {
		query = "ytsearch1:" + query
	}
	return append(args, "--", query)
}

// Resolve runs yt-dlp and picks the stream URL and metadata from its output.
func (y *YTDLP) Resolve(ctx context.Context, req Request) (Resolved, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Resolved{}, fmt.Errorf("%w: empty query", ErrUnsupported)
	}
	bin := y.Bin
	if bin == "" {
		bin = "yt-dlp"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, y.Args(req)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Resolved{}, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Resolved{}, fmt.Errorf("%w: %v", ErrExtraction, err)
		}
		return Resolved{}, classifyYTDLP(stderr.String())
	}

	return parseYTDLP(stdout.Bytes())
}

func parseYTDLP(out []byte) (Resolved, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return Resolved{}, fmt.Errorf("%w: decode yt-dlp output: %v", ErrExtraction, err)
	}
	// Search results arrive as a single-entry playlist.
	if len(info.Entries) > 0 {
		info = info.Entries[0]
	} else if info.URL == "" && info.Title == "" && len(info.Formats) == 0 {
		return Resolved{}, fmt.Errorf("%w: no results", ErrNotFound)
	}

	streamURL := info.URL
	if streamURL == "" && len(info.Formats) > 0 {
		streamURL = info.Formats[len(info.Formats)-1].URL
	}
	if streamURL == "" {
		return Resolved{}, fmt.Errorf("%w: no stream URL for %q", ErrExtraction, info.Title)
	}

	title := info.Title
	if title == "" {
		title = "Unknown"
	}
	return Resolved{
		Source:          Source{Location: streamURL},
		Title:           title,
		DurationSeconds: int(math.Round(info.Duration)),
		Thumbnail:       info.Thumbnail,
	}, nil
}

func classifyYTDLP(stderr string) error {
	msg := strings.TrimSpace(stderr)
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = strings.TrimSpace(msg[i+1:])
	}
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "video unavailable"),
		strings.Contains(lower, "not available"),
		strings.Contains(lower, "no video results"),
		strings.Contains(lower, "404"),
		strings.Contains(lower, "unsupported url"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case strings.Contains(lower, "unable to download"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "name resolution"),
		strings.Contains(lower, "getaddrinfo"):
		return fmt.Errorf("%w: %s", ErrNetwork, msg)
	default:
		return fmt.Errorf("%w: %s", ErrExtraction, msg)
	}
}
