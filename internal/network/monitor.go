package network

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/scheduler"

	"github.com/sirupsen/logrus"
)

// Prober measures one round trip to the relay.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber issues a HEAD request against a fixed URL.
type HTTPProber struct {
	url    string
	client *http.Client
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{url: url, client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// Listener is told about every change of reachability or link quality.
type Listener func(online bool, quality scheduler.LinkQuality)

// Monitor tracks connectivity and classifies link quality from probe latency.
type Monitor struct {
	prober   Prober
	logger   *logrus.Logger
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	quality   scheduler.LinkQuality
	listeners []Listener
	running   bool
	stopCh    chan struct{}
}

// NewMonitor starts out assuming a good link. prober may be nil, in which
// case only SetOnline changes the state.
func NewMonitor(prober Prober, config models.NetworkConfig, logger *logrus.Logger) *Monitor {
	interval := time.Duration(config.ProbeIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(constants.DefaultProbeIntervalSec) * time.Second
	}
	timeout := time.Duration(config.ProbeTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultProbeTimeoutMs) * time.Millisecond
	}
	return &Monitor{
		prober:   prober,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		quality:  scheduler.QualityGood,
	}
}

// Classify maps a probe result to a link quality.
func Classify(latency time.Duration, err error) scheduler.LinkQuality {
	switch {
	case err != nil:
		return scheduler.QualityOffline
	case latency < constants.GoodLinkLatencyMs*time.Millisecond:
		return scheduler.QualityGood
	case latency < constants.FairLinkLatencyMs*time.Millisecond:
		return scheduler.QualityFair
	default:
		return scheduler.QualityPoor
	}
}

func (m *Monitor) IsOnline() bool {
	return m.Quality() != scheduler.QualityOffline
}

func (m *Monitor) Quality() scheduler.LinkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// OnChange registers fn. Listeners run synchronously in registration order.
func (m *Monitor) OnChange(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline overrides reachability, e.g. from an OS connectivity callback.
// Going online from offline assumes a good link until the next probe.
func (m *Monitor) SetOnline(online bool) {
	if !online {
		m.update(scheduler.QualityOffline)
		return
	}
	m.mu.Lock()
	q := m.quality
	m.mu.Unlock()
	if q == scheduler.QualityOffline {
		m.update(scheduler.QualityGood)
	}
}

// Check probes once and applies the result.
func (m *Monitor) Check(ctx context.Context) scheduler.LinkQuality {
	if m.prober == nil {
		return m.Quality()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	latency, err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return m.Quality()
	}
	q := Classify(latency, err)
	fields := logrus.Fields{"latency_ms": latency.Milliseconds(), "quality": q.String()}
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Debug("Connectivity probe failed")
	} else {
		m.logger.WithFields(fields).Debug("Connectivity probe")
		metrics.RecordTimer("network_probe_latency", latency, nil, "Connectivity probe round trip")
	}
	m.update(q)
	return q
}

func (m *Monitor) update(q scheduler.LinkQuality) {
	m.mu.Lock()
	if m.quality == q {
		m.mu.Unlock()
		return
	}
	prev := m.quality
	m.quality = q
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	online := q != scheduler.QualityOffline
	var onlineValue float64
	if online {
		onlineValue = 1
	}
	metrics.SetGauge("network_online", onlineValue, nil, "Whether the relay is reachable")
	m.logger.WithFields(logrus.Fields{
		"previous": prev.String(),
		"quality":  q.String(),
	}).Info("Link quality changed")

	for _, fn := range listeners {
		fn(online, q)
	}
}

// Start begins periodic probing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("Network monitor is already running")
		return
	}
	if m.stopCh == nil {
		m.stopCh = make(chan struct{})
	}
	m.running = true
	stopCh := m.stopCh
	m.mu.Unlock()

	go m.monitorLoop(ctx, stopCh)
	m.logger.WithField("interval", m.interval.String()).Info("Network monitor started")
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	close(m.stopCh)
	m.stopCh = nil
	m.running = false
	m.logger.Info("Network monitor stopped")
}

func (m *Monitor) monitorLoop(ctx context.Context, stopCh <-chan struct{}) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
