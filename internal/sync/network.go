package sync

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// NetworkMonitor feeds connectivity transitions to the Coordinator. Events
// carries true for online and false for offline; implementations emit only on
// transition, plus the initial state.
type NetworkMonitor interface {
	// Events returns the transition channel. Closed when the monitor stops.
	Events() <-chan bool
	// Run observes connectivity until ctx is cancelled.
	Run(ctx context.Context) error
}

// ProbeMonitor detects connectivity by issuing a lightweight HTTP request to
// a probe URL on a fixed cadence, normally the API's health endpoint.
type ProbeMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	events   chan bool
	log      zerolog.Logger
}

// NewProbeMonitor creates a ProbeMonitor. A non-positive interval defaults to
// five seconds.
func NewProbeMonitor(url string, interval time.Duration, log zerolog.Logger) *ProbeMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ProbeMonitor{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 3 * time.Second},
		events:   make(chan bool, 4),
		log:      log,
	}
}

func (m *ProbeMonitor) Events() <-chan bool {
	return m.events
}

// Run probes until ctx is cancelled, emitting the initial state and every
// transition afterwards.
func (m *ProbeMonitor) Run(ctx context.Context) error {
	defer close(m.events)

	state := m.probe(ctx)
	m.emit(ctx, state)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next := m.probe(ctx)
			if next != state {
				state = next
				m.emit(ctx, state)
			}
		}
	}
}

func (m *ProbeMonitor) emit(ctx context.Context, online bool) {
	select {
	case m.events <- online:
	case <-ctx.Done():
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, m.url, nil)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to build probe request")
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// ManualMonitor is a NetworkMonitor driven by explicit Set calls; tests and
// the one-shot CLI commands use it.
type ManualMonitor struct {
	events chan bool
}

// NewManualMonitor creates a ManualMonitor.
func NewManualMonitor() *ManualMonitor {
	return &ManualMonitor{events: make(chan bool, 8)}
}

func (m *ManualMonitor) Events() <-chan bool {
	return m.events
}

// Run blocks until ctx is cancelled.
func (m *ManualMonitor) Run(ctx context.Context) error {
	<-ctx.Done()
	close(m.events)
	return nil
}

// Set emits a connectivity state.
func (m *ManualMonitor) Set(online bool) {
	m.events <- online
}
