// Package virtualcamera implements the client-visible camera handle
// multiplexed over one physical producer. A VirtualCamera is created per
// client by the broker (internal/halcamera) and keeps that broker alive
// through the Multiplexer it was constructed with; the broker holds the
// client only weakly. Frames and events arrive via the Sink/Multiplexer
// surfaces the broker calls into.
package virtualcamera

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/evsmux/internal/evserr"
	"github.com/smazurov/evsmux/internal/hal"
	"github.com/smazurov/evsmux/internal/timeline"
)

// Sink receives frames and events handed down from the broker to a
// specific client, e.g. over a gRPC stream or local channel. Implemented
// by the caller, not by this package.
type Sink interface {
	DeliverFrame(buf hal.Buffer)
	Notify(ev hal.Event)
}

// Multiplexer is the narrow surface of internal/halcamera.HalCamera that a
// VirtualCamera calls into. Kept as an interface here so this package does
// not import halcamera (which imports this package to register clients).
// The timeline for fenced delivery is owned and keyed by the broker, not
// by the client, since it must be torn down alongside client registration.
type Multiplexer interface {
	ClientStreamStarting(id string) error
	ClientStreamEnding(id string)
	ReleaseBuffer(id string, bufferID uint64) error
	RequestNextFrame(id string, lastSeenTimestamp time.Duration) (*timeline.Fence, error)
	SetMaster(id string) error
	ForceMaster(id string)
	UnsetMaster(id string) error
	SetParameter(id string, paramID hal.ParamID, value int32) (applied int32, isMaster bool, err error)
	GetParameter(paramID hal.ParamID) (int32, error)
}

// Config is the per-client setup a VirtualCamera is created with.
type Config struct {
	ID             string
	AllowedBuffers int
	SyncSupported  bool
}

// VirtualCamera is the client-visible camera handle. Exported methods are
// safe for concurrent use.
type VirtualCamera struct {
	id             string
	allowedBuffers int
	syncSupported  bool

	mux    Multiplexer
	sink   Sink
	logger *slog.Logger

	mu          sync.Mutex
	streaming   bool
	isMaster    bool
	framesHeld  int
	held        map[uint64]struct{}
	hasTimeline bool // whether the broker attached a fence timeline for this client
}

// New constructs a VirtualCamera bound to mux and sink. It does not
// register with the multiplexer; the broker adds it to its client list and
// calls SetHasTimeline once registration (changeFramesInFlight, etc.) has
// succeeded.
func New(cfg Config, mux Multiplexer, sink Sink, logger *slog.Logger) *VirtualCamera {
	if logger == nil {
		logger = slog.Default()
	}
	return &VirtualCamera{
		id:             cfg.ID,
		allowedBuffers: cfg.AllowedBuffers,
		syncSupported:  cfg.SyncSupported,
		mux:            mux,
		sink:           sink,
		logger:         logger.With("camera_client", cfg.ID),
		held:           make(map[uint64]struct{}),
	}
}

// ID returns the client identity used for timeline and master bookkeeping.
func (c *VirtualCamera) ID() string { return c.id }

// AllowedBuffers returns the buffer budget this client registered with.
func (c *VirtualCamera) AllowedBuffers() int { return c.allowedBuffers }

// SetHasTimeline records whether the broker attached a fence timeline for
// this client or left it in pull mode. RequestNextFrame checks it and fails
// with SyncUnsupported without calling the broker when it is false.
func (c *VirtualCamera) SetHasTimeline(has bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasTimeline = has
}

// HasTimeline reports whether this client uses fenced delivery.
func (c *VirtualCamera) HasTimeline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasTimeline
}

// StartStream begins streaming for this client.
func (c *VirtualCamera) StartStream(sink Sink) error {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return evserr.New(evserr.KindStreamAlreadyRunning, "client already streaming")
	}
	if sink != nil {
		c.sink = sink
	}
	c.mu.Unlock()

	if err := c.mux.ClientStreamStarting(c.id); err != nil {
		return evserr.Wrap(evserr.KindUnderlying, "hardware refused stream start", err)
	}

	c.mu.Lock()
	c.streaming = true
	c.mu.Unlock()
	return nil
}

// StopStream idempotently stops streaming for this client.
func (c *VirtualCamera) StopStream() {
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return
	}
	c.streaming = false
	c.mu.Unlock()

	c.mux.ClientStreamEnding(c.id)
}

// IsStreaming reports whether this client has an active stream.
func (c *VirtualCamera) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// DoneWithFrame releases a buffer this client was holding.
func (c *VirtualCamera) DoneWithFrame(bufferID uint64) error {
	c.mu.Lock()
	if _, held := c.held[bufferID]; !held {
		c.mu.Unlock()
		return evserr.New(evserr.KindUnknownBuffer, "buffer not held by this client")
	}
	delete(c.held, bufferID)
	c.framesHeld--
	c.mu.Unlock()

	if err := c.mux.ReleaseBuffer(c.id, bufferID); err != nil {
		return evserr.Wrap(evserr.KindUnderlying, "release failed", err)
	}
	return nil
}

// RequestNextFrame mints a fence for the next frame newer than
// lastSeenTimestamp, and enqueues the request with the broker. It fails if
// this client has no timeline attached.
func (c *VirtualCamera) RequestNextFrame(lastSeenTimestamp time.Duration) (*timeline.Fence, error) {
	c.mu.Lock()
	hasTimeline := c.hasTimeline
	c.mu.Unlock()

	if !hasTimeline {
		return nil, evserr.New(evserr.KindSyncUnsupported, "client has no fence timeline")
	}
	return c.mux.RequestNextFrame(c.id, lastSeenTimestamp)
}

// SetMaster attempts to acquire exclusive parameter-write access.
func (c *VirtualCamera) SetMaster() error {
	if err := c.mux.SetMaster(c.id); err != nil {
		return err
	}
	c.mu.Lock()
	c.isMaster = true
	c.mu.Unlock()
	return nil
}

// ForceMaster unconditionally acquires master, displacing any holder.
func (c *VirtualCamera) ForceMaster() {
	c.mux.ForceMaster(c.id)
	c.mu.Lock()
	c.isMaster = true
	c.mu.Unlock()
}

// UnsetMaster releases master if this client currently holds it.
func (c *VirtualCamera) UnsetMaster() error {
	if err := c.mux.UnsetMaster(c.id); err != nil {
		return err
	}
	c.mu.Lock()
	c.isMaster = false
	c.mu.Unlock()
	return nil
}

// IsMaster reports this client's last-known master status. It is
// advisory: the multiplexer holds the master reference as the source of
// truth and may revoke it without this client's participation.
func (c *VirtualCamera) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isMaster
}

// SetParameter writes a parameter if this client is master; non-masters
// degrade to a read.
func (c *VirtualCamera) SetParameter(id hal.ParamID, value int32) (int32, error) {
	applied, isMaster, err := c.mux.SetParameter(c.id, id, value)
	c.mu.Lock()
	c.isMaster = isMaster
	c.mu.Unlock()
	if err != nil {
		return applied, err
	}
	if !isMaster {
		return applied, evserr.New(evserr.KindInvalidArg, "caller is not master, value read only")
	}
	return applied, nil
}

// GetParameter reads a parameter's current value.
func (c *VirtualCamera) GetParameter(id hal.ParamID) (int32, error) {
	v, err := c.mux.GetParameter(id)
	if err != nil {
		return 0, evserr.Wrap(evserr.KindUnderlying, "parameter read failed", err)
	}
	return v, nil
}

// DeliverFrame is called by the broker during frame dispatch. It enqueues
// buf for the client if its buffer budget allows, returning whether the
// client accepted it — the broker uses this to decide whether to count
// the client as a consumer of the buffer.
func (c *VirtualCamera) DeliverFrame(buf hal.Buffer) bool {
	c.mu.Lock()
	if c.framesHeld >= c.allowedBuffers {
		c.mu.Unlock()
		return false
	}
	c.held[buf.ID] = struct{}{}
	c.framesHeld++
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.DeliverFrame(buf)
	}
	return true
}

// Notify forwards a hardware-originated event to this client.
func (c *VirtualCamera) Notify(ev hal.Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.Notify(ev)
	}
}

// Dump is the per-client diagnostics fragment included in HalCamera.Dump.
type Dump struct {
	ID          string `json:"id"`
	Streaming   bool   `json:"streaming"`
	IsMaster    bool   `json:"is_master"`
	FramesHeld  int    `json:"frames_held"`
	HasTimeline bool   `json:"has_timeline"`
}

// Dump reports this client's current diagnostics snapshot.
func (c *VirtualCamera) Dump() Dump {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Dump{
		ID:          c.id,
		Streaming:   c.streaming,
		IsMaster:    c.isMaster,
		FramesHeld:  c.framesHeld,
		HasTimeline: c.hasTimeline,
	}
}
