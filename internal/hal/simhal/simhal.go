// Package simhal provides a deterministic in-memory hal.Device used by
// tests and by the demo CLI, since a real hardware driver is out of
// scope for this module.
package simhal

import (
	"fmt"
	"sync"

	"github.com/smazurov/evsmux/internal/hal"
)

// Device is a fake hal.Device whose frame delivery is driven explicitly by
// test code or a demo harness via Pump, rather than by a real capture
// thread.
type Device struct {
	mu sync.Mutex

	maxFramesInFlight int
	sink              hal.Sink
	running           bool
	params            map[hal.ParamID]int32
	doneBuffers       []uint64
	doneBuffers11     [][]uint64
	config            hal.StreamConfig

	// Failure injection knobs for error-path tests.
	FailSetMaxFramesInFlight bool
	FailStartVideoStream     bool
	FailImportExternalBuffers bool
	FailSetIntParameter      bool
	ClampParameterTo         *int32
}

// New creates a simulated hardware device with the given diagnostics
// stream configuration.
func New(config hal.StreamConfig) *Device {
	return &Device{
		params: make(map[hal.ParamID]int32),
		config: config,
	}
}

func (d *Device) SetMaxFramesInFlight(count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailSetMaxFramesInFlight {
		return fmt.Errorf("simhal: set max frames in flight refused")
	}
	d.maxFramesInFlight = count
	return nil
}

// MaxFramesInFlight returns the last negotiated pool size, for assertions.
func (d *Device) MaxFramesInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxFramesInFlight
}

func (d *Device) ImportExternalBuffers(buffers []hal.Buffer) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailImportExternalBuffers {
		return 0, fmt.Errorf("simhal: import external buffers refused")
	}
	return len(buffers), nil
}

func (d *Device) StartVideoStream(sink hal.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailStartVideoStream {
		return fmt.Errorf("simhal: start video stream refused")
	}
	d.sink = sink
	d.running = true
	return nil
}

func (d *Device) StopVideoStream() {
	d.mu.Lock()
	sink := d.sink
	d.running = false
	d.mu.Unlock()

	if sink != nil {
		sink.Notify(hal.Event{Type: hal.EventStreamStopped})
	}
}

// IsRunning reports whether StartVideoStream has been called without a
// matching StopVideoStream.
func (d *Device) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Device) DoneWithFrame(bufferID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doneBuffers = append(d.doneBuffers, bufferID)
	return nil
}

func (d *Device) DoneWithFrame11(bufferIDs []uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doneBuffers11 = append(d.doneBuffers11, append([]uint64(nil), bufferIDs...))
	return nil
}

// DoneCalls11 returns the sequence of v1.1 doneWithFrame batches observed,
// for assertions.
func (d *Device) DoneCalls11() [][]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]uint64(nil), d.doneBuffers11...)
}

func (d *Device) SetIntParameter(id hal.ParamID, value int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailSetIntParameter {
		return 0, fmt.Errorf("simhal: set parameter refused")
	}

	applied := value
	if d.ClampParameterTo != nil {
		applied = *d.ClampParameterTo
	}
	d.params[id] = applied
	return applied, nil
}

func (d *Device) GetIntParameter(id hal.ParamID) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params[id], nil
}

func (d *Device) StreamConfig() hal.StreamConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Pump simulates a hardware-initiated frame delivery by forwarding buf to
// the sink registered via StartVideoStream. It is a no-op if the stream is
// not currently running.
func (d *Device) Pump(buf hal.Buffer) {
	d.mu.Lock()
	sink := d.sink
	running := d.running
	d.mu.Unlock()

	if running && sink != nil {
		sink.DeliverFrame11([]hal.Buffer{buf})
	}
}

// NotifyAll simulates a hardware-originated event, e.g. to exercise
// anomalous STREAM_STOPPED handling.
func (d *Device) NotifyAll(ev hal.Event) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink.Notify(ev)
	}
}
