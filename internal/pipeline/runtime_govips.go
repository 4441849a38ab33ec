//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// Backend names the pixel backend compiled into this binary.
const Backend = "govips"

// libvips cannot be initialised again after vips_shutdown, so Startup runs
// at most once and Shutdown only tears down a started runtime.
var (
	vipsOnce    sync.Once
	vipsMu      sync.Mutex
	vipsRunning bool
)

// Startup initialises libvips. Renders never reuse operations across
// requests, so the operation cache stays small.
func Startup() error {
	vipsOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   64 * 1024 * 1024,
			MaxCacheSize:  0,
		})

		vipsMu.Lock()
		vipsRunning = true
		vipsMu.Unlock()
	})
	return nil
}

func Shutdown() {
	vipsMu.Lock()
	defer vipsMu.Unlock()
	if vipsRunning {
		vips.Shutdown()
		vipsRunning = false
	}
}

func newRenderer() (Renderer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsRenderer{}, nil
}
