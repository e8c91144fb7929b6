// Package telemetry is a small in-process metrics collector. Metrics are
// buffered and flushed through the structured log; there is no external
// metrics protocol.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics and flushes them periodically or when the buffer
// fills.
type Collector struct {
	mu      sync.Mutex
	metrics []Metric
	enabled bool
	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewCollector(enabled bool) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		enabled: enabled,
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if enabled {
		go c.periodicFlush()
	}
	return c
}

func (c *Collector) Count(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels, Timestamp: time.Now()})
}

func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels, Timestamp: time.Now()})
}

func (c *Collector) Time(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Timestamp: time.Now(), Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	full := len(c.metrics) >= 100
	c.mu.Unlock()
	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

func (c *Collector) Flush() {
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()
	for _, m := range metrics {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Msg("metric")
	}
}

func (c *Collector) periodicFlush() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Flush()
		case <-c.flushCh:
			c.Flush()
		}
	}
}

func (c *Collector) Shutdown() {
	c.cancel()
	c.Flush()
}

var (
	globalMu sync.Mutex
	global   *Collector
)

// InitGlobal configures the process-wide collector.
func InitGlobal(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = NewCollector(enabled)
}

func getGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewCollector(false)
	}
	return global
}

func CountGlobal(name string, value float64, labels map[string]string) {
	getGlobal().Count(name, value, labels)
}

func TimeGlobal(name string, d time.Duration, labels map[string]string) {
	getGlobal().Time(name, d, labels)
}

func Shutdown() {
	getGlobal().Shutdown()
}
