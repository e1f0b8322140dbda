package cmd

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/smazurov/evsmux/internal/hal"
	"github.com/smazurov/evsmux/internal/hal/simhal"
	"github.com/smazurov/evsmux/internal/halcamera"
	"github.com/smazurov/evsmux/internal/logging"
	"github.com/spf13/cobra"
)

// CreateSimulateCmd creates the simulate command, a standalone demo of the
// multiplexer against simhal, useful for smoke-testing outside a real
// vehicle rig.
func CreateSimulateCmd() *cobra.Command {
	var cameraID string
	var clients int
	var frames int
	var fps float64

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the multiplexer against a simulated camera",
		Long:  `Registers a handful of virtual cameras against an in-memory simhal.Device and pumps synthetic frames through it, printing delivery counts as it goes.`,
		Run: func(_ *cobra.Command, _ []string) {
			logging.Initialize(logging.Config{Level: "info", Format: "text"})
			logger := logging.GetLogger("simulate")

			dev := simhal.New(hal.StreamConfig{ID: 0, Width: 1280, Height: 720})
			cam := halcamera.New(dev, halcamera.Config{CameraID: cameraID, Logger: logger})

			for i := 0; i < clients; i++ {
				id := fmt.Sprintf("client-%d", i)
				vc, err := cam.MakeVirtualCamera(id, halcamera.DefaultAllowedBuffers, i == 0)
				if err != nil {
					logger.Error("failed to register client", "client_id", id, "error", err)
					os.Exit(1)
				}
				if err := vc.StartStream(&loggingSink{logger: logger, clientID: id}); err != nil {
					logger.Error("failed to start client stream", "client_id", id, "error", err)
					os.Exit(1)
				}
			}

			interval := time.Duration(float64(time.Second) / fps)
			for i := 0; i < frames; i++ {
				dev.Pump(hal.Buffer{ID: uint64(rand.Int63()), Timestamp: time.Duration(i) * interval})
				time.Sleep(interval)
			}

			d := cam.Dump()
			logger.Info("simulation complete",
				"frames_received", d.FramesReceived,
				"frames_not_used", d.FramesNotUsed,
				"sync_frames", d.SyncFrames,
			)
		},
	}

	cmd.Flags().StringVar(&cameraID, "camera-id", "rear", "Simulated camera identity")
	cmd.Flags().IntVar(&clients, "clients", 2, "Number of virtual camera clients to register")
	cmd.Flags().IntVar(&frames, "frames", 30, "Number of synthetic frames to pump")
	cmd.Flags().Float64Var(&fps, "fps", 30, "Simulated frame rate")

	return cmd
}

type loggingSink struct {
	logger   *slog.Logger
	clientID string
}

func (s *loggingSink) DeliverFrame(buf hal.Buffer) {
	s.logger.Info("frame delivered", "client_id", s.clientID, "buffer_id", buf.ID)
}

func (s *loggingSink) Notify(ev hal.Event) {
	s.logger.Info("event delivered", "client_id", s.clientID, "type", ev.Type)
}
