package ffmpeg

import (
	"fmt"
	"strings"
)

// Mode selects what is relayed to the destination.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

// ParseMode parses a user supplied mode. Empty means video.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeVideo:
		return ModeVideo, nil
	case ModeAudio:
		return ModeAudio, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want video or audio)", s)
	}
}

// lowLatencyInput is prepended to every input: no probing, read at native rate.
var lowLatencyInput = []string{
	"-fflags", "nobuffer",
	"-flags", "low_delay",
	"-probesize", "32",
	"-analyzeduration", "0",
	"-re",
}

var videoEncode = []string{
	"-c:v", "libx264", "-preset", "superfast", "-tune", "zerolatency",
	"-pix_fmt", "yuv420p", "-b:v", "1500k", "-maxrate", "1500k", "-bufsize", "3000k",
	"-g", "50", "-keyint_min", "50",
	"-vf", "scale=1280:720,fps=30",
}

var audioEncode = []string{
	"-c:a", "aac", "-b:a", "128k", "-ac", "2", "-ar", "44100",
}

// CommandBuilder turns a media source and a destination into the argv of a
// transcoder process. It holds no per-call state.
type CommandBuilder struct {
	bin   string
	extra []string
}

// NewCommandBuilder creates a builder for bin. extra is an optional
// shell-quoted argument string inserted before the output options.
func NewCommandBuilder(bin, extra string) (*CommandBuilder, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	b := &CommandBuilder{bin: bin}
	if strings.TrimSpace(extra) == "" {
		return b, nil
	}

	args, err := SplitCommand(extra)
	if err != nil {
		return nil, err
	}
	if err := SanitizeAndValidateArgs(args); err != nil {
		return nil, fmt.Errorf("invalid extra ffmpeg arguments: %w", err)
	}
	b.extra = args
	return b, nil
}

// Build returns the argv streaming source to destURL in the given mode.
func (b *CommandBuilder) Build(source, destURL string, mode Mode) []string {
	args := make([]string, 0, 48)
	args = append(args, b.bin)
	args = append(args, lowLatencyInput...)
	args = append(args, "-i", source)

	if mode == ModeAudio {
		args = append(args, "-vn")
	} else {
		args = append(args, videoEncode...)
	}
	args = append(args, audioEncode...)
	args = append(args, b.extra...)
	args = append(args, "-f", "flv", destURL)
	return args
}
