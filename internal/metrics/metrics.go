// Package metrics provides Prometheus metrics for the camera multiplexer
// broker: per-camera frame accounting and client/master state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evsmux",
		Subsystem: "camera",
		Name:      "frames_received_total",
		Help:      "Total frames delivered by the hardware camera",
	}, []string{"camera_id"})

	framesNotUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evsmux",
		Subsystem: "camera",
		Name:      "frames_not_used_total",
		Help:      "Total frames with zero consuming clients, returned to hardware immediately",
	}, []string{"camera_id"})

	framesSyncSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evsmux",
		Subsystem: "camera",
		Name:      "frames_sync_skipped_total",
		Help:      "Total fenced requests re-queued for missing the sync threshold",
	}, []string{"camera_id"})

	framesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evsmux",
		Subsystem: "camera",
		Name:      "frames_in_flight",
		Help:      "Live FrameRecord entries currently held by clients",
	}, []string{"camera_id"})

	activeClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evsmux",
		Subsystem: "camera",
		Name:      "active_clients",
		Help:      "Number of currently registered VirtualCamera clients",
	}, []string{"camera_id"})

	masterHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evsmux",
		Subsystem: "camera",
		Name:      "master_held",
		Help:      "1 if a client currently holds master, 0 otherwise",
	}, []string{"camera_id"})

	poolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evsmux",
		Subsystem: "camera",
		Name:      "buffer_pool_size",
		Help:      "Last negotiated hardware in-flight buffer count",
	}, []string{"camera_id"})
)

// IncFramesReceived increments the frames-received counter for cameraID.
func IncFramesReceived(cameraID string) {
	framesReceived.WithLabelValues(cameraID).Inc()
}

// IncFramesNotUsed increments the frames-not-used counter for cameraID.
func IncFramesNotUsed(cameraID string) {
	framesNotUsed.WithLabelValues(cameraID).Inc()
}

// IncFramesSyncSkipped increments the sync-skip counter for cameraID.
func IncFramesSyncSkipped(cameraID string) {
	framesSyncSkipped.WithLabelValues(cameraID).Inc()
}

// SetFramesInFlight sets the live FrameRecord gauge for cameraID.
func SetFramesInFlight(cameraID string, count float64) {
	framesInFlight.WithLabelValues(cameraID).Set(count)
}

// SetActiveClients sets the registered-client gauge for cameraID.
func SetActiveClients(cameraID string, count float64) {
	activeClients.WithLabelValues(cameraID).Set(count)
}

// SetMasterHeld sets the master-held boolean gauge for cameraID.
func SetMasterHeld(cameraID string, held bool) {
	v := 0.0
	if held {
		v = 1.0
	}
	masterHeld.WithLabelValues(cameraID).Set(v)
}

// SetPoolSize sets the negotiated buffer pool size gauge for cameraID.
func SetPoolSize(cameraID string, size float64) {
	poolSize.WithLabelValues(cameraID).Set(size)
}

// DeleteCamera removes all per-camera metric series for cameraID, called
// when the registry tears the camera down.
func DeleteCamera(cameraID string) {
	framesReceived.DeleteLabelValues(cameraID)
	framesNotUsed.DeleteLabelValues(cameraID)
	framesSyncSkipped.DeleteLabelValues(cameraID)
	framesInFlight.DeleteLabelValues(cameraID)
	activeClients.DeleteLabelValues(cameraID)
	masterHeld.DeleteLabelValues(cameraID)
	poolSize.DeleteLabelValues(cameraID)
}
