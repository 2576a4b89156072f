package service

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcmproxy/dcmproxy/internal/device"
)

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
	Hostname  string    `json:"hostname"`
}

// Loader reads a device configuration from its source.
type Loader func(path string) (*device.Device, error)

// Purger drops cached state derived from the device configuration.
type Purger interface {
	Purge()
}

// Runtime holds the active device configuration. Reload swaps the pointer;
// associations and ticks already running keep the snapshot they started with.
type Runtime struct {
	path   string
	load   Loader
	purger Purger

	mu       sync.Mutex
	current  atomic.Pointer[device.Device]
	loadedAt atomic.Int64
	reloads  atomic.Int64
}

// NewRuntime loads the configuration at path once. purger may be nil.
func NewRuntime(path string, load Loader, purger Purger) (*Runtime, error) {
	rt := &Runtime{path: path, load: load, purger: purger}
	if _, err := rt.Reload(); err != nil {
		return nil, err
	}
	return rt, nil
}

// NewStaticRuntime wraps an already loaded configuration. Reload fails.
func NewStaticRuntime(dev *device.Device) *Runtime {
	rt := &Runtime{}
	rt.current.Store(dev)
	rt.loadedAt.Store(time.Now().UnixNano())
	return rt
}

// Device returns the active configuration.
func (r *Runtime) Device() *device.Device {
	return r.current.Load()
}

// Path returns the configuration file path.
func (r *Runtime) Path() string { return r.path }

// LoadedAt returns when the active configuration was installed.
func (r *Runtime) LoadedAt() time.Time {
	return time.Unix(0, r.loadedAt.Load())
}

// Reloads returns how many successful reloads happened after the first load.
func (r *Runtime) Reloads() int64 { return r.reloads.Load() }

// Reload re-reads the configuration. On error the active configuration is
// left untouched.
func (r *Runtime) Reload() (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.load == nil {
		return nil, invalidArg("configuration has no source file")
	}
	dev, err := r.load(r.path)
	if err != nil {
		return nil, err
	}
	if r.current.Swap(dev) != nil {
		r.reloads.Add(1)
	}
	r.loadedAt.Store(time.Now().UnixNano())
	if r.purger != nil {
		r.purger.Purge()
	}
	log.Printf("[service] device %q loaded from %s (%d AEs)", dev.Name, r.path, len(dev.AEs))
	return dev, nil
}
