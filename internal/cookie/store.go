package cookie

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediavault/fetchd/internal/event"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/mediavault/fetchd/pkg/logger"
	"github.com/rjeczalik/notify"
)

var (
	log = logger.Get("CookieStore")

	ErrMissingCredentials = errors.New("no credential bundle loaded for platform")
)

type (
	// Config controls where credential files live and how aggressively
	// they are re-checked. Each platform's bundle is expected at
	// '<Directory>/<platform>.cookies' in the platform's native
	// cookie-file format; the content is opaque to this store.
	Config struct {
		// Directory holding one cookie file per platform.
		Directory string `yaml:"directory" env:"COOKIE_DIR" env-required:"true"`

		// The store uses a directory watcher, but a 'force' sync can be
		// performed on a regular interval to protect against the
		// watcher failing.
		ForceSyncSeconds int `yaml:"force_sync_seconds" env:"COOKIE_FORCE_SYNC_SECONDS" env-default:"60"`
	}

	// Bundle is one platform's opaque credential material. Bundles are
	// immutable once constructed: reloads swap in a replacement
	// snapshot, so in-flight consumers keep the bundle they were given.
	Bundle struct {
		Platform platform.Platform
		Raw      []byte
		LoadedAt time.Time
	}

	snapshot map[platform.Platform]*Bundle

	Store struct {
		mu       sync.Mutex
		config   Config
		eventBus event.EventDispatcher
		bundles  atomic.Pointer[snapshot]
		modtimes map[platform.Platform]time.Time
	}
)

// New constructs the store and performs the initial load of every
// platform's bundle. A missing file is not fatal at startup - jobs for
// that platform will fail with MissingCredentials until the file appears.
func New(config Config, eventBus event.EventDispatcher) (*Store, error) {
	if info, err := os.Stat(config.Directory); err != nil {
		return nil, fmt.Errorf("credential directory '%s' could not be accessed: %w", config.Directory, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("credential path '%s' is not a directory", config.Directory)
	}

	store := &Store{
		config:   config,
		eventBus: eventBus,
		modtimes: make(map[platform.Platform]time.Time),
	}

	initial := make(snapshot)
	store.bundles.Store(&initial)
	store.syncBundles()

	return store, nil
}

// Run watches the credential directory for changes and re-reads any bundle
// whose backing file has a newer modification time. To kill the service, the
// calling code should cancel the context provided.
func (store *Store) Run(ctx context.Context) error {
	fsNotifyChannel := make(chan notify.EventInfo, 8)
	if err := notify.Watch(store.config.Directory, fsNotifyChannel, notify.All); err != nil {
		return fmt.Errorf("failed to watch credential directory: %w", err)
	}
	defer notify.Stop(fsNotifyChannel)

	forceSyncChannel := time.NewTicker(time.Second * time.Duration(store.config.ForceSyncSeconds))
	defer forceSyncChannel.Stop()

	for {
		select {
		case <-fsNotifyChannel:
			store.syncBundles()
		case <-forceSyncChannel.C:
			store.syncBundles()
		case <-ctx.Done():
			return nil
		}
	}
}

// Credentials returns the current bundle for the platform provided. The
// returned bundle is a read-only snapshot; callers must not retain it
// across attempts, as a reload may have replaced it.
func (store *Store) Credentials(p platform.Platform) (*Bundle, error) {
	bundle, ok := (*store.bundles.Load())[p]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrMissingCredentials, p)
	}

	return bundle, nil
}

// RequestReload forces an immediate re-read of one platform's bundle,
// bypassing the modtime check. Invoked by the worker loop when a platform
// rejects the current credentials.
func (store *Store) RequestReload(p platform.Platform) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.modtimes, p)
	return store.loadBundle(p)
}

// PathFor returns the expected location of one platform's cookie file.
func (store *Store) PathFor(p platform.Platform) string {
	return filepath.Join(store.config.Directory, fmt.Sprintf("%s.cookies", p))
}

// syncBundles re-reads every bundle whose backing file changed since it was
// last loaded.
//
// Note: this function takes ownership of the mutex, and releases it when returning.
func (store *Store) syncBundles() {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, p := range platform.All() {
		info, err := os.Stat(store.PathFor(p))
		if err != nil {
			continue
		}

		if lastLoaded, ok := store.modtimes[p]; ok && !info.ModTime().After(lastLoaded) {
			continue
		}

		if err := store.loadBundle(p); err != nil {
			log.Warnf("Failed to load credential bundle for %s: %v\n", p, err)
		}
	}
}

// loadBundle reads a single platform's file and swaps a fresh snapshot in to
// place. Existing bundle pointers held by in-flight downloads are untouched.
//
// Callers must hold the store mutex.
func (store *Store) loadBundle(p platform.Platform) error {
	path := store.PathFor(p)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	current := *store.bundles.Load()
	replacement := make(snapshot, len(current)+1)
	for key, value := range current {
		replacement[key] = value
	}
	replacement[p] = &Bundle{Platform: p, Raw: raw, LoadedAt: time.Now()}

	store.bundles.Store(&replacement)
	store.modtimes[p] = info.ModTime()

	log.Emit(logger.NEW, "Reloaded credential bundle for %s (%d bytes)\n", p, len(raw))
	if store.eventBus != nil {
		store.eventBus.Dispatch(event.COOKIE_RELOAD, p)
	}

	return nil
}
