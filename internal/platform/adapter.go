package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediavault/fetchd/pkg/logger"
)

var log = logger.Get("Platform")

type (
	// ResolvedMedia is the transient product of a resolution: a
	// directly-fetchable (and typically short-lived) address for the
	// media bytes, plus whatever sizing/naming hints the platform
	// offered. It is consumed immediately by the download executor and
	// never persisted.
	ResolvedMedia struct {
		StreamURL       string
		ExpectedSize    int64
		ContentHashHint string
		Filename        string
	}

	// Adapter resolves an opaque content reference on one platform in
	// to a downloadable stream. Implementations classify upstream
	// failures in to fault kinds (NotFound, AuthExpired, RateLimited)
	// so the worker loop can react without knowing platform specifics.
	Adapter interface {
		Platform() Platform
		Resolve(ctx context.Context, contentReference string, cookies []byte) (*ResolvedMedia, error)
	}

	// Registry is the capability lookup the worker loop selects
	// adapters from. Adding a platform means registering a new adapter
	// here, never branching inside the worker.
	Registry struct {
		mu       sync.RWMutex
		adapters map[Platform]Adapter
	}
)

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Platform]Adapter)}
}

func (registry *Registry) Register(adapter Adapter) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.adapters[adapter.Platform()]; exists {
		return fmt.Errorf("adapter for platform %s is already registered", adapter.Platform())
	}

	registry.adapters[adapter.Platform()] = adapter
	log.Debugf("Registered adapter for platform %s\n", adapter.Platform())
	return nil
}

func (registry *Registry) AdapterFor(platform Platform) (Adapter, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	adapter, ok := registry.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %s", platform)
	}

	return adapter, nil
}
