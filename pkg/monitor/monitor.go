// Package monitor is the Monitor (spec.md §2, ~5% share; SPEC_FULL.md §2
// Observability): a periodic, read-only snapshot of Strategy/Position/Risk
// state exposed as Prometheus text exposition and threshold alerts.
// Grounded on original_source/src/monitor/metrics/monitor_service.h's
// monitorLoop/updateMetrics/checkThresholds/calculateSystemHealth shape and
// rahjooh-CryptoTrade/internal/metrics/metrics.go's use of
// github.com/prometheus/client_golang for gauge/counter registration and
// promhttp exposition. The Monitor never mutates Pair State, Order
// Records, Position Records, or Risk Metrics (spec.md §9's "cyclic
// references broken by read-only observer handles").
package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/alerts"
	"github.com/kestrel-quant/fundingarb/pkg/position"
	"github.com/kestrel-quant/fundingarb/pkg/risk"
	"github.com/kestrel-quant/fundingarb/pkg/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config is the monitor.general.* / monitor.prometheus.* / monitor.alerts.*
// configuration subtree (spec.md §6).
type Config struct {
	SnapshotInterval  time.Duration
	PrometheusEnabled bool
	PrometheusAddr    string
	MemoryThreshold   float64
	CPUThreshold      float64
	AlertsEnabled     bool
}

func DefaultConfig() Config {
	return Config{
		SnapshotInterval: 15 * time.Second, PrometheusEnabled: true,
		PrometheusAddr: ":9090", MemoryThreshold: 0.85, CPUThreshold: 0.85,
		AlertsEnabled: true,
	}
}

// Monitor reads (never mutates) the Strategy Engine's open pairs, the
// Position Manager's positions, and the Risk Controller's report. Pairs and
// positions are republished as Prometheus gauges per spec.md §6; the risk
// report's warnings are sent as alerts.
type Monitor struct {
	cfg        Config
	positions  *position.Manager
	strategy   *strategy.Engine
	risk       *risk.Controller
	dispatcher alerts.Dispatcher
	logger     *logrus.Entry

	registry *prometheus.Registry
	system   *prometheus.GaugeVec
	positionGauges *prometheus.GaugeVec
	cumulative *prometheus.CounterVec

	statusMu   sync.Mutex
	errorCount int
	healthy    bool

	cumulativeMu  sync.Mutex
	totalTrades   float64
	fundingEarned float64
}

// New wires a Monitor over the already-running core components. registry
// is a fresh prometheus.Registry so tests never touch the global default
// registry, per client_golang idiom.
func New(cfg Config, positions *position.Manager, engine *strategy.Engine, riskCtl *risk.Controller,
	dispatcher alerts.Dispatcher, logger *logrus.Entry) *Monitor {

	registry := prometheus.NewRegistry()

	system := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trading_system_metrics",
		Help: "System resource gauges, labeled by type (memory_usage, cpu_usage).",
	}, []string{"type"})

	positionMetrics := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trading_position_metrics",
		Help: "Position gauges, labeled by type (position_size, unrealized_pnl per symbol; open_pairs with an empty symbol).",
	}, []string{"type", "symbol"})

	cumulative := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_cumulative_metrics",
		Help: "Monotonic counters, labeled by type (total_trades, funding_earned).",
	}, []string{"type"})

	registry.MustRegister(system, positionMetrics, cumulative)

	return &Monitor{
		cfg: cfg, positions: positions, strategy: engine, risk: riskCtl,
		dispatcher: dispatcher, logger: logger,
		registry: registry, system: system, positionGauges: positionMetrics, cumulative: cumulative,
		healthy: true,
	}
}

// Run drives the periodic snapshot loop and, if enabled, serves
// /metrics via promhttp.HandlerFor(m.registry, ...) until ctx is
// cancelled, matching monitor_service.h's monitorLoop/Prometheus exporter
// pairing.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.PrometheusEnabled {
		srv := &http.Server{Addr: m.cfg.PrometheusAddr, Handler: m.handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				m.logger.WithError(err).Error("prometheus exposition server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.snapshot()
		}
	}
}

func (m *Monitor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return mux
}

// snapshot implements monitor_service.h's updateMetrics/collectPositionMetrics
// /collectSystemMetrics/checkThresholds sequence.
func (m *Monitor) snapshot() {
	m.collectPositionMetrics()
	m.collectSystemMetrics()
	m.collectRiskMetrics()
	m.checkThresholds()
}

// collectRiskMetrics republishes the Risk Controller's read-only Report as
// alerts, per monitor_service.h's triggerAlert being fed by risk warnings
// in addition to resource thresholds.
func (m *Monitor) collectRiskMetrics() {
	if m.risk == nil || !m.cfg.AlertsEnabled || m.dispatcher == nil {
		return
	}
	report := m.risk.Report()
	for _, warning := range report.Warnings {
		m.dispatcher.Notify(alerts.Alert{
			Severity: alerts.SeverityWarning, Source: "risk", Message: warning, At: time.Now(),
		})
	}
}

func (m *Monitor) collectPositionMetrics() {
	for _, p := range m.positions.All() {
		m.positionGauges.WithLabelValues("position_size", p.Symbol).Set(p.Size)
		m.positionGauges.WithLabelValues("unrealized_pnl", p.Symbol).Set(p.UnrealizedPnL)
	}

	openPairs := len(m.strategy.Pairs())
	m.positionGauges.WithLabelValues("open_pairs", "").Set(float64(openPairs))
}

// collectSystemMetrics reports memory/cpu gauges. Go has no direct
// equivalent of the source's OS-level sampling without an external
// dependency the pack never imports for this purpose, so these report only
// the ratios last set via SetResourceUsage (0 until set); nothing is sampled
// here. See DESIGN.md for the standard-library justification.
func (m *Monitor) collectSystemMetrics() {
	m.system.WithLabelValues("memory_usage").Set(m.resourceUsage("memory"))
	m.system.WithLabelValues("cpu_usage").Set(m.resourceUsage("cpu"))
}

var resourceOverride = struct {
	mu     sync.Mutex
	values map[string]float64
}{values: make(map[string]float64)}

func (m *Monitor) resourceUsage(kind string) float64 {
	resourceOverride.mu.Lock()
	defer resourceOverride.mu.Unlock()
	return resourceOverride.values[kind]
}

// SetResourceUsage lets the host process report memory/cpu utilization
// ratios in [0,1] gathered however the deployment prefers (e.g. a cgroup
// reader), per monitor_service.h's collectSystemMetrics being fed by an OS
// probe outside this package's domain.
func SetResourceUsage(kind string, ratio float64) {
	resourceOverride.mu.Lock()
	defer resourceOverride.mu.Unlock()
	resourceOverride.values[kind] = ratio
}

// checkThresholds implements monitor_service.h's checkThresholds/
// calculateSystemHealth/triggerAlert: breach of the memory or cpu threshold
// flips health and fires the alert dispatcher. errorCount is not consulted.
func (m *Monitor) checkThresholds() {
	mem := m.resourceUsage("memory")
	cpu := m.resourceUsage("cpu")

	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	unhealthy := mem > m.cfg.MemoryThreshold || cpu > m.cfg.CPUThreshold
	if unhealthy {
		m.healthy = false
		if m.cfg.AlertsEnabled && m.dispatcher != nil {
			m.dispatcher.Notify(alerts.Alert{
				Severity: alerts.SeverityWarning, Source: "monitor",
				Message: "system resource usage exceeds configured threshold", At: time.Now(),
			})
		}
		return
	}
	m.healthy = true
}

// Healthy reports the last computed system-health boolean.
func (m *Monitor) Healthy() bool {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.healthy
}

// RecordFundingEarned accumulates the cumulative funding_earned counter,
// called by the Strategy Engine on pair close.
func (m *Monitor) RecordFundingEarned(amount float64) {
	m.cumulativeMu.Lock()
	m.fundingEarned += amount
	m.cumulativeMu.Unlock()
	m.cumulative.WithLabelValues("funding_earned").Add(amount)
}

// RecordTrade increments the cumulative total_trades counter, called by
// the Strategy Engine on pair close.
func (m *Monitor) RecordTrade() {
	m.cumulativeMu.Lock()
	m.totalTrades++
	m.cumulativeMu.Unlock()
	m.cumulative.WithLabelValues("total_trades").Inc()
}

// Registry exposes the underlying prometheus.Registry, e.g. for tests.
// api.Server does not use it.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
