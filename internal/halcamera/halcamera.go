// Package halcamera implements the broker that wraps a single hardware
// camera producer and multiplexes it to any number of client-visible
// VirtualCamera handles: buffer pool negotiation, the fenced/pull frame
// dispatch algorithm, the stream state machine, and the master/exclusive
// parameter-write protocol.
package halcamera

import (
	"log/slog"
	"sync"
	"time"
	"weak"

	"github.com/smazurov/evsmux/internal/evserr"
	"github.com/smazurov/evsmux/internal/events"
	"github.com/smazurov/evsmux/internal/framerecord"
	"github.com/smazurov/evsmux/internal/hal"
	"github.com/smazurov/evsmux/internal/metrics"
	"github.com/smazurov/evsmux/internal/timeline"
	"github.com/smazurov/evsmux/internal/virtualcamera"
)

// DefaultSyncThreshold is the tunable inter-frame gap a fenced client must
// see before its request is honored, rather than re-queued. It approximates
// half the nominal frame period; deployments can override it per camera.
const DefaultSyncThreshold = 16 * time.Millisecond

// DefaultAllowedBuffers is the per-client buffer budget used by
// MakeVirtualCamera when the caller does not specify one.
const DefaultAllowedBuffers = 2

// StreamState is a HalCamera's hardware stream lifecycle state.
type StreamState int

const (
	StreamStopped StreamState = iota
	StreamRunning
	StreamStopping
)

func (s StreamState) String() string {
	switch s {
	case StreamStopped:
		return "STOPPED"
	case StreamRunning:
		return "RUNNING"
	case StreamStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// client is one registered VirtualCamera's broker-side bookkeeping. The
// camera itself is held weakly: the broker never keeps a client alive.
type client struct {
	id             string
	allowedBuffers int
	ref            weak.Pointer[virtualcamera.VirtualCamera]
	timeline       *timeline.Timeline // nil if this client is pull-mode only
	streaming      bool
}

// request is one outstanding fenced-delivery request.
type request struct {
	clientID      string
	ref           weak.Pointer[virtualcamera.VirtualCamera]
	lastTimestamp time.Duration
	fence         *timeline.Fence
}

// Config configures a HalCamera's tunable parameters.
type Config struct {
	CameraID      string
	SyncThreshold time.Duration // defaults to DefaultSyncThreshold if zero
	Logger        *slog.Logger
	Bus           *events.Bus // may be nil; events are then not published
}

// HalCamera is the broker wrapping one hal.Device and multiplexing it to
// any number of VirtualCamera clients. It implements hal.Sink.
type HalCamera struct {
	id            string
	device        hal.Device
	syncThreshold time.Duration
	logger        *slog.Logger
	bus           *events.Bus
	createdAt     time.Time

	// frameMu guards everything below: client list, frame record table,
	// request queues, stream state, and master. One "frame mutex"
	// protecting the whole dispatch path, deliberately not split further.
	frameMu        sync.Mutex
	clients        []*client
	frames         *framerecord.Table
	nextRequests   []request
	currentRequests []request
	streamState    StreamState
	master         weak.Pointer[virtualcamera.VirtualCamera]
	masterID       string

	framesReceived int64
	framesNotUsed  int64
	syncFrames     int64
}

// New constructs a HalCamera wrapping device. The device is not started;
// streaming begins with the first client's StartStream.
func New(device hal.Device, cfg Config) *HalCamera {
	threshold := cfg.SyncThreshold
	if threshold <= 0 {
		threshold = DefaultSyncThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HalCamera{
		id:            cfg.CameraID,
		device:        device,
		syncThreshold: threshold,
		logger:        logger.With("camera_id", cfg.CameraID),
		bus:           cfg.Bus,
		createdAt:     time.Now(),
		frames:        framerecord.NewTable(8),
	}
}

// ID returns the hardware camera identity this broker wraps.
func (h *HalCamera) ID() string { return h.id }

// MakeVirtualCamera constructs and registers a new client with the given
// buffer budget, attaching a fence timeline when wantFence is set (the
// device is not asked whether it supports fenced delivery). On failure to
// negotiate the buffer pool, no client is created.
func (h *HalCamera) MakeVirtualCamera(clientID string, allowedBuffers int, wantFence bool) (*virtualcamera.VirtualCamera, error) {
	if allowedBuffers <= 0 {
		allowedBuffers = DefaultAllowedBuffers
	}

	vc := virtualcamera.New(virtualcamera.Config{
		ID:             clientID,
		AllowedBuffers: allowedBuffers,
		SyncSupported:  wantFence,
	}, h, nil, h.logger)

	if err := h.ownVirtualCamera(vc, wantFence); err != nil {
		return nil, err
	}
	return vc, nil
}

// ownVirtualCamera negotiates the buffer pool, optionally attaches a fence
// timeline, then appends the client to the client list.
func (h *HalCamera) ownVirtualCamera(vc *virtualcamera.VirtualCamera, wantFence bool) error {
	if !h.changeFramesInFlight(vc.AllowedBuffers()) {
		return evserr.New(evserr.KindUnderlying, "hardware refused buffer pool increase")
	}

	var tl *timeline.Timeline
	if wantFence {
		tl = timeline.New()
		vc.SetHasTimeline(true)
	} else {
		vc.SetHasTimeline(false)
	}

	h.frameMu.Lock()
	h.clients = append(h.clients, &client{
		id:             vc.ID(),
		allowedBuffers: vc.AllowedBuffers(),
		ref:            weak.Make(vc),
		timeline:       tl,
	})
	clientCount := len(h.clients)
	h.frameMu.Unlock()

	metrics.SetActiveClients(h.id, float64(clientCount))
	if h.bus != nil {
		h.bus.Publish(events.ClientRegisteredEvent{CameraID: h.id, ClientID: vc.ID()})
	}
	return nil
}

// DisownVirtualCamera removes a client from the broker and recomputes the
// buffer pool downward. Absence of the client is logged but non-fatal. Any
// fence timeline the client held is force-closed so a waiter blocked on a
// fence minted for a now-vanished client is released rather than stuck
// forever.
func (h *HalCamera) DisownVirtualCamera(clientID string) {
	h.frameMu.Lock()
	found := false
	kept := h.clients[:0]
	for _, c := range h.clients {
		if c.id == clientID {
			found = true
			if c.timeline != nil {
				c.timeline.Close()
			}
			continue
		}
		kept = append(kept, c)
	}
	h.clients = kept
	clientCount := len(h.clients)
	h.frameMu.Unlock()

	if !found {
		h.logger.Warn("disown of unknown client", "client_id", clientID)
	}

	h.changeFramesInFlight(0)
	metrics.SetActiveClients(h.id, float64(clientCount))

	if h.bus != nil {
		h.bus.Publish(events.ClientUnregisteredEvent{CameraID: h.id, ClientID: clientID})
	}
}

// changeFramesInFlight recomputes the budget total of every registered
// client plus delta and asks hardware for it. A registered client whose
// weak reference no longer resolves still counts until it is disowned. The hardware call is issued with frameMu released,
// since a HAL callback may reenter synchronously; the lock is reacquired
// only to commit the resulting pool size and compact the frame record
// table. Returns false (state unchanged) if hardware refuses.
func (h *HalCamera) changeFramesInFlight(delta int) bool {
	h.frameMu.Lock()
	total := delta
	for _, c := range h.clients {
		total += c.allowedBuffers
	}
	if total < 1 {
		total = 1
	}
	h.frameMu.Unlock()

	return h.resizePool(total)
}

// resizePool calls into hardware without frameMu held, then reacquires it
// only to commit the new pool size and compact the frame record table.
func (h *HalCamera) resizePool(total int) bool {
	if err := h.device.SetMaxFramesInFlight(total); err != nil {
		h.logger.Error("hardware refused buffer pool resize", "target", total, "error", err)
		return false
	}

	h.frameMu.Lock()
	defer h.frameMu.Unlock()

	metrics.SetPoolSize(h.id, float64(total))

	if overshoot := h.frames.Compact(total); overshoot {
		h.logger.Warn("frame record table exceeds new capacity after compaction", "capacity", total, "live", h.frames.LiveCount())
	}
	return true
}

// ChangeFramesInFlightExternal imports caller-provided buffers into the
// hardware pool; the delta actually applied is whatever hardware accepted.
// Import failure is fatal for the call and does not disturb existing state.
func (h *HalCamera) ChangeFramesInFlightExternal(buffers []hal.Buffer) (accepted int, err error) {
	accepted, err = h.device.ImportExternalBuffers(buffers)
	if err != nil {
		return 0, evserr.Wrap(evserr.KindUnderlying, "external buffer import refused", err)
	}

	h.frameMu.Lock()
	total := accepted
	for _, c := range h.clients {
		total += c.allowedBuffers
	}
	if total < 1 {
		total = 1
	}
	h.frameMu.Unlock()

	h.resizePool(total)
	return accepted, nil
}

// ClientStreamStarting implements the STOPPED -> RUNNING transition on the
// first streaming client. StartVideoStream is called with frameMu
// released, since the hardware may call back into the broker (via Sink)
// synchronously before it returns.
func (h *HalCamera) ClientStreamStarting(clientID string) error {
	h.frameMu.Lock()
	wasAnyStreaming := h.anyStreamingLocked()
	h.setStreamingLocked(clientID, true)
	h.frameMu.Unlock()

	if wasAnyStreaming {
		return nil
	}

	err := h.device.StartVideoStream(h)

	h.frameMu.Lock()
	defer h.frameMu.Unlock()
	if err != nil {
		h.setStreamingLocked(clientID, false)
		return err
	}
	h.streamState = StreamRunning
	return nil
}

// ClientStreamEnding implements the RUNNING -> STOPPING transition once no
// client remains streaming.
func (h *HalCamera) ClientStreamEnding(clientID string) {
	h.frameMu.Lock()
	h.setStreamingLocked(clientID, false)
	stillStreaming := h.anyStreamingLocked()
	h.frameMu.Unlock()

	if stillStreaming {
		return
	}

	h.frameMu.Lock()
	h.streamState = StreamStopping
	h.frameMu.Unlock()

	h.device.StopVideoStream()
}

func (h *HalCamera) setStreamingLocked(clientID string, streaming bool) {
	for _, c := range h.clients {
		if c.id == clientID {
			c.streaming = streaming
			return
		}
	}
}

func (h *HalCamera) anyStreamingLocked() bool {
	for _, c := range h.clients {
		if c.streaming {
			return true
		}
	}
	return false
}

// ReleaseBuffer is the upward half of doneWithFrame: it decrements the
// shared FrameRecord slot for bufferID and, once it reaches zero, returns
// the buffer to hardware via the batched v1.1 API.
func (h *HalCamera) ReleaseBuffer(clientID string, bufferID uint64) error {
	h.frameMu.Lock()
	reachedZero, found := h.frames.Release(bufferID)
	h.frameMu.Unlock()

	if !found {
		h.logger.Warn("doneWithFrame for unknown buffer", "client_id", clientID, "buffer_id", bufferID)
		return nil
	}
	if reachedZero {
		if err := h.device.DoneWithFrame11([]uint64{bufferID}); err != nil {
			h.logger.Error("hardware rejected doneWithFrame", "buffer_id", bufferID, "error", err)
		}
	}
	return nil
}

// RequestNextFrame enqueues a fenced request for clientID, bound to the
// timeline the broker attached when that client registered.
func (h *HalCamera) RequestNextFrame(clientID string, lastSeenTimestamp time.Duration) (*timeline.Fence, error) {
	h.frameMu.Lock()
	defer h.frameMu.Unlock()

	var c *client
	for _, cc := range h.clients {
		if cc.id == clientID {
			c = cc
			break
		}
	}
	if c == nil || c.timeline == nil {
		return nil, evserr.New(evserr.KindSyncUnsupported, "client has no fence timeline")
	}

	fence := c.timeline.CreateFence()
	h.nextRequests = append(h.nextRequests, request{
		clientID:      clientID,
		ref:           c.ref,
		lastTimestamp: lastSeenTimestamp,
		fence:         fence,
	})
	return fence, nil
}

// SetMaster succeeds only if no master currently holds the role.
func (h *HalCamera) SetMaster(clientID string) error {
	h.frameMu.Lock()
	defer h.frameMu.Unlock()

	if h.masterID != "" {
		return evserr.New(evserr.KindOwnershipLost, "a client already holds master")
	}
	h.setMasterLocked(clientID)
	metrics.SetMasterHeld(h.id, true)
	return nil
}

// ForceMaster always succeeds, displacing any prior master.
func (h *HalCamera) ForceMaster(clientID string) {
	h.frameMu.Lock()
	prevID := h.masterID
	prevRef := h.master
	h.setMasterLocked(clientID)
	h.frameMu.Unlock()

	metrics.SetMasterHeld(h.id, true)
	if prevID != "" && prevID != clientID {
		if prev := prevRef.Value(); prev != nil {
			prev.Notify(hal.Event{Type: hal.EventMasterReleased})
		}
		if h.bus != nil {
			h.bus.Publish(events.MasterReleasedEvent{CameraID: h.id, ClientID: prevID, Timestamp: time.Now().Format(time.RFC3339Nano)})
		}
	}
}

// UnsetMaster succeeds only if clientID currently holds master, then
// broadcasts MASTER_RELEASED to every live client including clientID
// itself — the same generic forwarder used for every other broadcast,
// left unmodified rather than special-cased to skip the caller.
func (h *HalCamera) UnsetMaster(clientID string) error {
	h.frameMu.Lock()
	if h.masterID != clientID {
		h.frameMu.Unlock()
		return evserr.New(evserr.KindInvalidArg, "caller is not master")
	}
	h.masterID = ""
	h.master = weak.Pointer[virtualcamera.VirtualCamera]{}
	h.frameMu.Unlock()

	metrics.SetMasterHeld(h.id, false)
	h.broadcastEvent(hal.Event{Type: hal.EventMasterReleased})
	if h.bus != nil {
		h.bus.Publish(events.MasterReleasedEvent{CameraID: h.id, ClientID: clientID, Timestamp: time.Now().Format(time.RFC3339Nano)})
	}
	return nil
}

func (h *HalCamera) setMasterLocked(clientID string) {
	h.masterID = clientID
	for _, c := range h.clients {
		if c.id == clientID {
			h.master = c.ref
			return
		}
	}
}

// SetParameter writes a parameter if clientID currently holds master;
// otherwise it degrades to a read.
func (h *HalCamera) SetParameter(clientID string, paramID hal.ParamID, value int32) (applied int32, isMaster bool, err error) {
	h.frameMu.Lock()
	isMaster = h.masterID != "" && h.masterID == clientID
	h.frameMu.Unlock()

	if !isMaster {
		v, rerr := h.device.GetIntParameter(paramID)
		if rerr != nil {
			return 0, false, evserr.Wrap(evserr.KindUnderlying, "parameter read failed", rerr)
		}
		return v, false, nil
	}

	applied, err = h.device.SetIntParameter(paramID, value)
	if err != nil {
		return 0, true, evserr.Wrap(evserr.KindUnderlying, "hardware refused parameter write", err)
	}

	h.broadcastEvent(hal.Event{Type: hal.EventParameterChanged, ParamID: paramID, Value: applied})
	if h.bus != nil {
		h.bus.Publish(events.ParameterChangedEvent{CameraID: h.id, ParamID: int32(paramID), Value: applied})
	}
	return applied, true, nil
}

// GetParameter reads a parameter's current value, regardless of master.
func (h *HalCamera) GetParameter(paramID hal.ParamID) (int32, error) {
	v, err := h.device.GetIntParameter(paramID)
	if err != nil {
		return 0, evserr.Wrap(evserr.KindUnderlying, "parameter read failed", err)
	}
	return v, nil
}

// DeliverFrame10 is the legacy v1.0 delivery path; it is always rejected
// and the buffer returned immediately.
func (h *HalCamera) DeliverFrame10(buf hal.Buffer) {
	h.logger.Warn("rejecting legacy v1.0 frame delivery", "buffer_id", buf.ID)
	if err := h.device.DoneWithFrame(buf.ID); err != nil {
		h.logger.Error("failed to return rejected v1.0 buffer", "buffer_id", buf.ID, "error", err)
	}
}

// DeliverFrame11 is the core dispatch algorithm: fenced clients pass
// first, then pull-mode clients, then accounting.
func (h *HalCamera) DeliverFrame11(bufs []hal.Buffer) {
	if len(bufs) == 0 {
		return
	}
	buf := bufs[0]

	h.frameMu.Lock()
	h.framesReceived++

	current := h.nextRequests
	h.nextRequests = nil
	h.currentRequests = current

	deliveries := 0
	requeue := h.currentRequests[:0]
	for _, r := range h.currentRequests {
		vc := r.ref.Value()
		if vc == nil {
			continue // dead weak reference: drop silently
		}
		if buf.Timestamp-r.lastTimestamp < h.syncThreshold {
			requeue = append(requeue, r)
			h.syncFrames++
			metrics.IncFramesSyncSkipped(h.id)
			continue
		}
		if vc.DeliverFrame(buf) {
			deliveries++
			h.signalClientTimelineLocked(r.clientID)
		}
	}
	h.nextRequests = append(h.nextRequests, requeue...)
	h.currentRequests = nil

	for _, c := range h.clients {
		if c.timeline != nil {
			continue // fenced clients are only dispatched via the request queue
		}
		vc := c.ref.Value()
		if vc == nil {
			continue
		}
		if vc.DeliverFrame(buf) {
			deliveries++
		}
	}

	if deliveries == 0 {
		h.framesNotUsed++
		h.frameMu.Unlock()
		metrics.IncFramesReceived(h.id)
		metrics.IncFramesNotUsed(h.id)
		if err := h.device.DoneWithFrame11([]uint64{buf.ID}); err != nil {
			h.logger.Error("failed to return unconsumed buffer", "buffer_id", buf.ID, "error", err)
		}
		return
	}

	h.frames.Track(buf.ID, deliveries)
	liveCount := h.frames.LiveCount()
	h.frameMu.Unlock()

	metrics.IncFramesReceived(h.id)
	metrics.SetFramesInFlight(h.id, float64(liveCount))
}

// signalClientTimelineLocked bumps a client's timeline signal counter,
// releasing any fence at or below the new count. Must be called with
// frameMu held.
func (h *HalCamera) signalClientTimelineLocked(clientID string) {
	for _, c := range h.clients {
		if c.id == clientID && c.timeline != nil {
			c.timeline.BumpSignal()
			return
		}
	}
}

// Notify forwards a hardware event to every live client. An unexpected
// STREAM_STOPPED while not STOPPING is logged as anomalous and forces
// STOPPED.
func (h *HalCamera) Notify(ev hal.Event) {
	if ev.Type == hal.EventStreamStopped {
		h.frameMu.Lock()
		if h.streamState != StreamStopping {
			h.logger.Warn("unexpected STREAM_STOPPED while not stopping", "prior_state", h.streamState)
		}
		h.streamState = StreamStopped
		h.frameMu.Unlock()
	}
	h.broadcastEvent(ev)
}

func (h *HalCamera) broadcastEvent(ev hal.Event) {
	h.frameMu.Lock()
	refs := make([]weak.Pointer[virtualcamera.VirtualCamera], len(h.clients))
	for i, c := range h.clients {
		refs[i] = c.ref
	}
	h.frameMu.Unlock()

	for _, ref := range refs {
		if vc := ref.Value(); vc != nil {
			vc.Notify(ev)
		}
	}
}

// ClientDump is one client's diagnostics fragment within Dump.
type ClientDump struct {
	virtualcamera.Dump
	Alive bool `json:"alive"`
}

// Dump is the broker-level diagnostics snapshot.
type Dump struct {
	CameraID       string        `json:"camera_id"`
	CreatedAt      time.Time     `json:"created_at"`
	FramesReceived int64         `json:"frames_received"`
	FramesNotUsed  int64         `json:"frames_not_used"`
	SyncFrames     int64         `json:"sync_frames"`
	StreamState    string        `json:"stream_state"`
	StreamConfig   hal.StreamConfig `json:"stream_config"`
	Clients        []ClientDump  `json:"clients"`
	MasterID       string        `json:"master_id"`
	SyncSupported  bool          `json:"sync_supported"`
}

// Dump returns a snapshot of broker diagnostics.
func (h *HalCamera) Dump() Dump {
	h.frameMu.Lock()
	defer h.frameMu.Unlock()

	d := Dump{
		CameraID:       h.id,
		CreatedAt:      h.createdAt,
		FramesReceived: h.framesReceived,
		FramesNotUsed:  h.framesNotUsed,
		SyncFrames:     h.syncFrames,
		StreamState:    h.streamState.String(),
		StreamConfig:   h.device.StreamConfig(),
		MasterID:       h.masterID,
	}
	for _, c := range h.clients {
		vc := c.ref.Value()
		cd := ClientDump{Alive: vc != nil}
		if vc != nil {
			cd.Dump = vc.Dump()
		} else {
			cd.Dump = virtualcamera.Dump{ID: c.id}
		}
		if c.timeline != nil {
			d.SyncSupported = true
		}
		d.Clients = append(d.Clients, cd)
	}
	return d
}

var _ hal.Sink = (*HalCamera)(nil)
var _ virtualcamera.Multiplexer = (*HalCamera)(nil)
