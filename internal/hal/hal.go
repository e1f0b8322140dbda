// Package hal defines the narrow capability surface the camera multiplexer
// requires from a hardware camera producer, and the sink surface the
// multiplexer exposes upward to receive frames and events from it. The
// hardware driver itself is out of scope for this module; only this
// interface boundary is defined here.
package hal

import "time"

// ParamID identifies a settable/gettable integer camera parameter
// (brightness, contrast, ...). The concrete set is hardware-defined.
type ParamID int32

// EventType enumerates hardware-originated notifications.
type EventType int

const (
	EventStreamStopped EventType = iota
	EventMasterReleased
	EventParameterChanged
	EventGeneric
)

// Event is a hardware (or hardware-adjacent) notification forwarded to
// every live client.
type Event struct {
	Type    EventType
	ParamID ParamID
	Value   int32
}

// Buffer is a borrowed reference to a hardware graphic buffer. The
// multiplexer never copies pixel data; Payload is opaque to it.
type Buffer struct {
	ID        uint64
	Timestamp time.Duration
	Payload   any
}

// StreamConfig describes the active hardware stream configuration, used
// only for diagnostics.
type StreamConfig struct {
	ID       int
	Width    int
	Height   int
	Format   int
	Usage    uint64
	Rotation int
}

// Sink is the upward-facing surface a Device delivers frames and events
// through. HalCamera implements this interface.
type Sink interface {
	// DeliverFrame10 is the legacy v1.0 single-buffer delivery path. It
	// is always rejected and the buffer is returned immediately.
	DeliverFrame10(buf Buffer)
	// DeliverFrame11 is the supported delivery path; buf[0].Timestamp is
	// authoritative for the whole batch.
	DeliverFrame11(bufs []Buffer)
	// Notify forwards a hardware event.
	Notify(ev Event)
}

// Device is the capability set a hardware camera producer must expose.
type Device interface {
	// SetMaxFramesInFlight negotiates the in-flight buffer pool size.
	SetMaxFramesInFlight(count int) error
	// ImportExternalBuffers imports caller-provided buffers into the
	// hardware's pool, returning how many were accepted.
	ImportExternalBuffers(buffers []Buffer) (accepted int, err error)
	// StartVideoStream begins delivery to sink. Idempotent if already
	// running is the caller's (HalCamera's) responsibility to avoid.
	StartVideoStream(sink Sink) error
	// StopVideoStream requests the stream stop; completion is signaled
	// asynchronously via an EventStreamStopped notification to the sink.
	StopVideoStream()
	// DoneWithFrame returns a single buffer via the legacy v1.0 API.
	DoneWithFrame(bufferID uint64) error
	// DoneWithFrame11 returns buffers via the batched v1.1 API.
	DoneWithFrame11(bufferIDs []uint64) error
	// SetIntParameter writes a parameter; the hardware may clamp the
	// requested value, returning the value it actually applied.
	SetIntParameter(id ParamID, value int32) (applied int32, err error)
	// GetIntParameter reads the current value of a parameter.
	GetIntParameter(id ParamID) (value int32, err error)
	// StreamConfig reports the active stream configuration for
	// diagnostics; it need not be meaningful before streaming starts.
	StreamConfig() StreamConfig
}

// DeviceFactory lazily constructs a Device for a given hardware camera id,
// used by the registry on first client.
type DeviceFactory func(cameraID string) (Device, error)
