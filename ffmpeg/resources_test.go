package ffmpeg

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceGuard_Disabled(t *testing.T) {
	g := &ResourceGuard{}
	assert.NoError(t, g.Check())
}

func TestResourceGuard_Memory(t *testing.T) {
	g := &ResourceGuard{FreeMem: 1 << 62, Sample: 10 * time.Millisecond}
	err := g.Check()
	assert.True(t, errors.Is(err, ErrInsufficientResources))
	assert.Contains(t, err.Error(), "not enough free memory")
}

func TestResourceGuard_Disk(t *testing.T) {
	g := &ResourceGuard{FreeDisk: 1 << 62, Dir: t.TempDir()}
	err := g.Check()
	assert.True(t, errors.Is(err, ErrInsufficientResources))
	assert.Contains(t, err.Error(), "not enough free disk space")
}

func TestCurrentUsage(t *testing.T) {
	u, err := CurrentUsage(t.TempDir())
	assert.NoError(t, err)
	assert.NotZero(t, u.MemAvailable)
	assert.NotZero(t, u.DiskFree)
}
