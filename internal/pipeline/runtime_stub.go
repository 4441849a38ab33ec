//go:build !govips || !cgo

package pipeline

// Backend names the pixel backend compiled into this binary.
const Backend = "stdlib"

// Startup is a no-op for the pure Go renderer.
func Startup() error { return nil }

// Shutdown is a no-op for the pure Go renderer.
func Shutdown() {}

func newRenderer() (Renderer, error) { return stdlibRenderer{}, nil }
