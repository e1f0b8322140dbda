// Package api exposes the diagnostics HTTP surface over the camera
// registry: per-camera dumps and a Prometheus metrics endpoint, using the
// same Huma v2 + stdlib-router setup the rest of this project's ambient
// stack is built on.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/evsmux/internal/events"
	"github.com/smazurov/evsmux/internal/halcamera"
	"github.com/smazurov/evsmux/internal/logging"
	"github.com/smazurov/evsmux/internal/registry"
	"github.com/smazurov/evsmux/internal/version"
)

// Server is the diagnostics HTTP API over a Registry.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	registry   *registry.Registry
	bus        *events.Bus
	logger     *slog.Logger
}

// Options configures a Server.
type Options struct {
	Registry *registry.Registry
	Bus      *events.Bus
}

// NewServer builds a diagnostics API server backed by opts.Registry.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	config := huma.DefaultConfig("evsmux diagnostics API", "1.0.0")
	config.Info.Description = "Diagnostics surface for the EVS camera multiplexer"
	config.Servers = []*huma.Server{}

	humaAPI := humago.New(mux, config)

	mux.Handle("GET /metrics", promhttp.Handler())

	s := &Server{
		api:      humaAPI,
		mux:      mux,
		registry: opts.Registry,
		bus:      opts.Bus,
		logger:   logging.GetLogger("api"),
	}
	s.registerRoutes()
	if s.bus != nil {
		mux.HandleFunc("GET /api/events", s.handleEventStream)
	}
	return s
}

// GetMux returns the underlying HTTP ServeMux.
func (s *Server) GetMux() *http.ServeMux { return s.mux }

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting diagnostics API server", "addr", addr)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down immediately.
func (s *Server) Stop() error {
	s.logger.Info("stopping diagnostics API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

type cameraListResponse struct {
	Body struct {
		Cameras []string `json:"cameras"`
	}
}

type cameraDumpInput struct {
	CameraID string `path:"camera_id" example:"rear" doc:"Camera identifier"`
}

type cameraDumpResponse struct {
	Body halcamera.Dump
}

type versionResponse struct {
	Body version.Info
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Build metadata",
		Description: "Return version and build metadata for this binary",
		Tags:        []string{"meta"},
	}, func(ctx context.Context, input *struct{}) (*versionResponse, error) {
		return &versionResponse{Body: version.Get()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-cameras",
		Method:      http.MethodGet,
		Path:        "/api/cameras",
		Summary:     "List cameras",
		Description: "List currently open camera ids",
		Tags:        []string{"cameras"},
	}, func(ctx context.Context, input *struct{}) (*cameraListResponse, error) {
		resp := &cameraListResponse{}
		resp.Body.Cameras = s.registry.Cameras()
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "dump-camera",
		Method:      http.MethodGet,
		Path:        "/api/cameras/{camera_id}/dump",
		Summary:     "Dump camera diagnostics",
		Description: "Return the broker's diagnostics snapshot for one camera",
		Tags:        []string{"cameras"},
		Errors:      []int{404},
	}, func(ctx context.Context, input *cameraDumpInput) (*cameraDumpResponse, error) {
		cam, ok := s.registry.Lookup(input.CameraID)
		if !ok {
			return nil, huma.Error404NotFound("camera not open: " + input.CameraID)
		}
		return &cameraDumpResponse{Body: cam.Dump()}, nil
	})
}

// handleEventStream pushes broker events (master changes, client
// register/unregister, timeline fallback) to the client as Server-Sent
// Events for as long as the connection stays open.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan any, 32)
	unsubs := []func(){
		events.SubscribeToChannel[events.MasterReleasedEvent](s.bus, ch),
		events.SubscribeToChannel[events.ParameterChangedEvent](s.bus, ch),
		events.SubscribeToChannel[events.StreamStateChangedEvent](s.bus, ch),
		events.SubscribeToChannel[events.ClientRegisteredEvent](s.bus, ch),
		events.SubscribeToChannel[events.ClientUnregisteredEvent](s.bus, ch),
		events.SubscribeToChannel[events.TimelineDegradedEvent](s.bus, ch),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event for SSE stream", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %T\ndata: %s\n\n", ev, payload)
			flusher.Flush()
		}
	}
}
