package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"modbus-pollbridge/internal/bridge"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "pollbridge"

// MetricsExporter 以 Prometheus 格式輸出橋接層統計
type MetricsExporter struct {
	stats    *bridge.Stats
	registry *prometheus.Registry
	started  time.Time
	server   *http.Server
	addr     atomic.Value

	logger *zap.Logger
}

// NewMetricsExporter 建立指標輸出器
func NewMetricsExporter(b *bridge.Bridge, logger *zap.Logger) *MetricsExporter {
	m := &MetricsExporter{
		stats:    b.Stats(),
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		logger:   logger,
	}
	m.register()
	return m
}

func (m *MetricsExporter) register() {
	s := m.stats
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"connects_total", "Connections that completed the handshake", &s.Connects},
		{"connect_failures_total", "Connection attempts that failed or timed out", &s.ConnectFailures},
		{"closes_total", "Connections that reached the closed state", &s.Closes},
		{"aborts_total", "Graceful closes that fell back to abort", &s.Aborts},
		{"bytes_received_total", "Bytes copied into receive buffers", &s.BytesReceived},
		{"bytes_dropped_total", "Bytes dropped because the receive buffer was full", &s.BytesDropped},
		{"bytes_sent_total", "Bytes acknowledged as sent by the stack", &s.BytesSent},
		{"bytes_read_total", "Bytes returned by Read", &s.BytesRead},
		{"bytes_written_total", "Bytes accepted by Write", &s.BytesWritten},
		{"short_reads_total", "Reads that returned fewer bytes than requested", &s.ShortReads},
		{"short_writes_total", "Writes that accepted fewer bytes than requested", &s.ShortWrites},
		{"send_rounds_total", "Completed send rounds of one buffer size", &s.Rounds},
		{"idle_polls_total", "Idle poll callbacks", &s.IdleTicks},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) }))
	}

	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Connections currently in the connected state",
		}, func() float64 { return float64(s.Active.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "uptime_seconds",
			Help:      "Uptime in seconds",
		}, func() float64 { return time.Since(m.started).Seconds() }),
	)
}

// Handler 建立 HTTP 路由
func (m *MetricsExporter) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	return mux
}

// Start 啟動指標伺服器
func (m *MetricsExporter) Start(endpoint string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("監聽指標埠失敗: %w", err)
	}
	m.addr.Store(ln.Addr().String())
	m.server = &http.Server{
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.logger.Info("指標伺服器已啟動",
		zap.String("addr", ln.Addr().String()),
		zap.String("endpoint", endpoint),
	)

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()
	return nil
}

// Addr 實際監聽位址
func (m *MetricsExporter) Addr() string {
	addr, _ := m.addr.Load().(string)
	return addr
}

// Stop 關閉指標伺服器
func (m *MetricsExporter) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

// handleHealth 處理 /health 請求
func (m *MetricsExporter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求，至少一條連線已建立時就緒
func (m *MetricsExporter) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.stats.Active.Load() < 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
