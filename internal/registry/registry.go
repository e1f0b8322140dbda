// Package registry implements the process-wide camera-id -> HalCamera
// mapping: the only module-wide state, initialized lazily on first use
// and torn down once the last client releases a camera.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/evsmux/internal/events"
	"github.com/smazurov/evsmux/internal/evserr"
	"github.com/smazurov/evsmux/internal/hal"
	"github.com/smazurov/evsmux/internal/halcamera"
	"github.com/smazurov/evsmux/internal/metrics"
)

// entry tracks one open HalCamera and how many clients currently hold it.
type entry struct {
	camera      *halcamera.HalCamera
	clientCount int
}

// Registry is the camera-id -> HalCamera enumerator.
type Registry struct {
	mu            sync.Mutex
	cameras       map[string]*entry
	factory       hal.DeviceFactory
	logger        *slog.Logger
	bus           *events.Bus
	syncThreshold time.Duration
}

// Config configures a Registry.
type Config struct {
	Factory       hal.DeviceFactory
	Logger        *slog.Logger
	Bus           *events.Bus
	SyncThreshold time.Duration
}

// New constructs a Registry. Cameras are opened lazily via OpenCamera.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cameras:       make(map[string]*entry),
		factory:       cfg.Factory,
		logger:        logger,
		bus:           cfg.Bus,
		syncThreshold: cfg.SyncThreshold,
	}
}

// OpenCamera returns the HalCamera for cameraID, constructing it (and the
// underlying hardware device, via the registry's factory) on first use.
func (r *Registry) OpenCamera(cameraID string) (*halcamera.HalCamera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.cameras[cameraID]; ok {
		e.clientCount++
		return e.camera, nil
	}

	device, err := r.factory(cameraID)
	if err != nil {
		return nil, evserr.Wrap(evserr.KindUnderlying, "hardware device unavailable", err)
	}

	cam := halcamera.New(device, halcamera.Config{
		CameraID:      cameraID,
		SyncThreshold: r.syncThreshold,
		Logger:        r.logger,
		Bus:           r.bus,
	})
	r.cameras[cameraID] = &entry{camera: cam, clientCount: 1}
	return cam, nil
}

// ReleaseCamera drops one client's hold on cameraID, tearing the entry
// down once the count reaches zero. Releasing an unknown or already-empty
// camera id is logged but non-fatal.
func (r *Registry) ReleaseCamera(cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.cameras[cameraID]
	if !ok {
		r.logger.Warn("release of unknown camera id", "camera_id", cameraID)
		return
	}
	e.clientCount--
	if e.clientCount <= 0 {
		delete(r.cameras, cameraID)
		metrics.DeleteCamera(cameraID)
	}
}

// Cameras returns the currently open camera ids, for diagnostics.
func (r *Registry) Cameras() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.cameras))
	for id := range r.cameras {
		ids = append(ids, id)
	}
	return ids
}

// Lookup returns the HalCamera for cameraID if it is currently open,
// without affecting its client count.
func (r *Registry) Lookup(cameraID string) (*halcamera.HalCamera, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.cameras[cameraID]
	if !ok {
		return nil, false
	}
	return e.camera, true
}
