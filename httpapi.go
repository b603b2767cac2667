package blelink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	commandTimeout = 5 * time.Second
	// maxCommandBody bounds the request body; the profile limit is checked
	// by SendCommand.
	maxCommandBody = 512
)

// NewHTTPHandler exposes metrics, health, status and the command channel.
// The collector for s is registered on reg.
func NewHTTPHandler(s *Service, reg *prometheus.Registry) (http.Handler, error) {
	if err := reg.Register(NewCollector(s)); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.Connected() {
			http.Error(w, "link down", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Name:     Name,
			Version:  Version,
			Profile:  s.Profile().Name,
			Endpoint: s.EndpointName(),
			Status:   string(s.LastStatus()),
			Metrics:  s.GetMetricsSnapshot(),
			Pools:    s.BufferPoolStats(),
		})
	})
	r.With(httprate.LimitByIP(10, time.Second)).Post("/command", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxCommandBody+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) == 0 || len(body) > maxCommandBody {
			http.Error(w, "command body must be 1-512 bytes", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), commandTimeout)
		defer cancel()

		switch err := s.SendCommand(ctx, body); {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, ErrNotConnected):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, ErrNoChannel):
			http.Error(w, err.Error(), http.StatusNotImplemented)
		case errors.Is(err, ErrCommandTooLarge):
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		default:
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	})
	return r, nil
}

type statusResponse struct {
	Name     string           `json:"name"`
	Version  string           `json:"version"`
	Profile  string           `json:"profile"`
	Endpoint string           `json:"endpoint"`
	Status   string           `json:"status,omitempty"`
	Metrics  *MetricsSnapshot `json:"metrics"`
	Pools    []PoolStats      `json:"buffer_pools,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
