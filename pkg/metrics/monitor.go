package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Stats is a point-in-time view of a node's registries.
type Stats struct {
	Leaves      int
	ChildHubs   int
	Descendants int
	Files       int
}

type StatsSource interface {
	Stats() Stats
}

// Monitor periodically copies registry statistics into gauges.
type Monitor struct {
	metrics  *Metrics
	source   StatsSource
	logger   *zap.Logger
	interval time.Duration

	mu        sync.RWMutex
	lastCheck time.Time
	last      Stats

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func NewMonitor(m *Metrics, source StatsSource, interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		metrics:  m,
		source:   source,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (mon *Monitor) Start() {
	go mon.monitorLoop()
}

// Stop ends the loop and waits for it to exit.
func (mon *Monitor) Stop() {
	mon.stopOnce.Do(func() {
		close(mon.stopChan)
	})
	<-mon.done
}

func (mon *Monitor) monitorLoop() {
	defer close(mon.done)

	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	mon.Collect()
	for {
		select {
		case <-ticker.C:
			mon.Collect()
		case <-mon.stopChan:
			return
		}
	}
}

// Collect reads the source once and updates the gauges.
func (mon *Monitor) Collect() Stats {
	stats := mon.source.Stats()
	now := time.Now()

	mon.metrics.LeavesConnected.Set(float64(stats.Leaves))
	mon.metrics.ChildHubsConnected.Set(float64(stats.ChildHubs))
	mon.metrics.DescendantNodes.Set(float64(stats.Descendants))
	mon.metrics.FilesIndexed.Set(float64(stats.Files))
	mon.metrics.LastCollection.Set(float64(now.Unix()))

	mon.mu.Lock()
	mon.last = stats
	mon.lastCheck = now
	mon.mu.Unlock()

	mon.logger.Debug("Registry statistics collected",
		zap.Int("leaves", stats.Leaves),
		zap.Int("child_hubs", stats.ChildHubs),
		zap.Int("descendants", stats.Descendants),
		zap.Int("files", stats.Files))
	return stats
}

// Last returns the most recent collection.
func (mon *Monitor) Last() (Stats, time.Time) {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	return mon.last, mon.lastCheck
}

// HealthEndpoint serves liveness, readiness and prometheus handlers.
type HealthEndpoint struct {
	ready          func() bool
	metricsHandler http.Handler
}

// NewHealthEndpoint reports ready while ready returns true. A nil ready is
// always ready.
func NewHealthEndpoint(ready func() bool, metricsHandler http.Handler) *HealthEndpoint {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HealthEndpoint{ready: ready, metricsHandler: metricsHandler}
}

func (he *HealthEndpoint) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/health/live", he.handleLiveness).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/health/ready", he.handleReadiness).Methods(http.MethodGet, http.MethodHead)
	if he.metricsHandler != nil {
		r.Handle("/metrics", he.metricsHandler).Methods(http.MethodGet)
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT READY"))
}
