package capture

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
)

// BackendFactory builds an Opener from capture configuration
type BackendFactory func(cfg config.CaptureConfig, log *logger.Logger) (Opener, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{
		"ffmpeg": func(cfg config.CaptureConfig, log *logger.Logger) (Opener, error) {
			return NewFFmpegOpener(cfg, log), nil
		},
		"synthetic": func(config.CaptureConfig, *logger.Logger) (Opener, error) {
			return &SyntheticOpener{}, nil
		},
	}
)

// RegisterBackend makes a capture backend available under name
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// Backends lists the registered backend names
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := lo.Keys(backends)
	sort.Strings(names)
	return names
}

// NewOpener returns the Opener for the configured backend
func NewOpener(cfg config.CaptureConfig, log *logger.Logger) (Opener, error) {
	backendsMu.RLock()
	factory, ok := backends[cfg.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capture backend %q is not available (compiled backends: %v)", cfg.Backend, Backends())
	}
	return factory(cfg, log.Named("capture"))
}
