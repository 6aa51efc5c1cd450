package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
	"github.com/speedwagon-io/meterreader/internal/meter"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

type MetersResponse struct {
	Meters    []meter.Status `json:"meters"`
	Timestamp time.Time      `json:"timestamp"`
}

type HealthChecker interface {
	Name() string
	Check(ctx context.Context) (Status, string)
}

// MeterStatusProvider reports the cached state of a meter without polling it.
type MeterStatusProvider interface {
	Status() meter.Status
}

type Server struct {
	log      *slog.Logger
	address  string
	server   *http.Server
	checkers []HealthChecker
	meters   []MeterStatusProvider
	metrics  http.Handler
	mu       sync.RWMutex
}

func NewServer(log *slog.Logger, address string) *Server {
	return &Server{
		log:      log,
		address:  address,
		checkers: make([]HealthChecker, 0),
	}
}

func (s *Server) AddChecker(checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, checker)
}

// AddMeter registers a meter for /meters and adds a health checker for it.
func (s *Server) AddMeter(m MeterStatusProvider) {
	s.mu.Lock()
	s.meters = append(s.meters, m)
	s.mu.Unlock()

	s.AddChecker(NewMeterHealthChecker(m))
}

// SetMetricsHandler mounts h on /metrics. Must be called before Start.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = h
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	r.Get("/meters", s.handleMeters)

	s.mu.RLock()
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	s.mu.RUnlock()

	return r
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("starting health server", slog.String("address", s.address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server error", sl.Err(err))
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checkers := make([]HealthChecker, len(s.checkers))
	copy(checkers, s.checkers)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:     StatusHealthy,
		Components: make([]ComponentHealth, 0, len(checkers)),
		Timestamp:  time.Now().UTC(),
	}

	for _, checker := range checkers {
		status, message := checker.Check(ctx)
		response.Components = append(response.Components, ComponentHealth{
			Name:    checker.Name(),
			Status:  status,
			Message: message,
		})

		if status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, response)
}

func (s *Server) handleMeters(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	meters := make([]MeterStatusProvider, len(s.meters))
	copy(meters, s.meters)
	s.mu.RUnlock()

	response := MetersResponse{
		Meters:    make([]meter.Status, 0, len(meters)),
		Timestamp: time.Now().UTC(),
	}
	for _, m := range meters {
		response.Meters = append(response.Meters, m.Status())
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type SenderHealthChecker struct {
	healthFunc func(ctx context.Context) error
}

func NewSenderHealthChecker(healthFunc func(ctx context.Context) error) *SenderHealthChecker {
	return &SenderHealthChecker{healthFunc: healthFunc}
}

func (c *SenderHealthChecker) Name() string {
	return "sender"
}

func (c *SenderHealthChecker) Check(ctx context.Context) (Status, string) {
	if err := c.healthFunc(ctx); err != nil {
		return StatusDegraded, err.Error()
	}
	return StatusHealthy, ""
}

type BufferHealthChecker struct {
	countFunc func(ctx context.Context) (int64, error)
	limit     int64
}

func NewBufferHealthChecker(countFunc func(ctx context.Context) (int64, error)) *BufferHealthChecker {
	return &BufferHealthChecker{countFunc: countFunc, limit: 1000}
}

func (c *BufferHealthChecker) Name() string {
	return "buffer"
}

func (c *BufferHealthChecker) Check(ctx context.Context) (Status, string) {
	count, err := c.countFunc(ctx)
	if err != nil {
		return StatusUnhealthy, err.Error()
	}

	if count > c.limit {
		return StatusDegraded, fmt.Sprintf("high buffer count: %d", count)
	}

	return StatusHealthy, ""
}

// MeterHealthChecker reads only cached flags; it never triggers a poll.
type MeterHealthChecker struct {
	meter MeterStatusProvider
}

func NewMeterHealthChecker(m MeterStatusProvider) *MeterHealthChecker {
	return &MeterHealthChecker{meter: m}
}

func (c *MeterHealthChecker) Name() string {
	return "meter:" + c.meter.Status().ID
}

func (c *MeterHealthChecker) Check(ctx context.Context) (Status, string) {
	st := c.meter.Status()
	switch {
	case !st.HasSample && !st.Reachable:
		return StatusDegraded, "no reading yet"
	case !st.Reachable:
		return StatusDegraded, "meter unreachable, serving last reading"
	case st.Stale:
		return StatusDegraded, "last reading rejected, serving previous one"
	}
	return StatusHealthy, ""
}
