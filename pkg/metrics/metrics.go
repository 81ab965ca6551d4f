package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

// Metric names recorded by the gateway.
const (
	SessionConnect    = "gateway_session_connect"
	SessionDisconnect = "gateway_session_disconnect"
	MessageInbound    = "gateway_message_inbound"
	MessageOutbound   = "gateway_message_outbound"
	WebhookDelivered  = "gateway_webhook_delivered"
	WebhookFailed     = "gateway_webhook_failed"
	AssistReply       = "gateway_assist_reply"
	SystemCPUPercent  = "system_cpu_percent"
	SystemMemPercent  = "system_mem_percent"
	ProcessCPUPercent = "process_cpu_percent"
	ProcessMemRSS     = "process_mem_rss"
)

var (
	storage tstorage.Storage
	mu      sync.Mutex
)

// InitMetrics opens the embedded timeseries store under workdir.
func InitMetrics(workdir string) error {
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(filepath.Join(workdir, "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7*24*time.Hour),
	)
	if err != nil {
		return err
	}
	mu.Lock()
	storage = s
	mu.Unlock()
	return nil
}

// Counter records a single occurrence of the named metric.
func Counter(name string) {
	Gauge(name, 1)
}

// Gauge records a value for the named metric at the current time.
func Gauge(name string, value float64) {
	mu.Lock()
	s := storage
	mu.Unlock()
	if s == nil {
		return
	}
	_ = s.InsertRows([]tstorage.Row{
		{
			Metric:    name,
			DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: value},
		},
	})
}

// Select returns datapoints for the named metric within [start, end].
func Select(name string, start, end int64) ([]*tstorage.DataPoint, error) {
	mu.Lock()
	s := storage
	mu.Unlock()
	if s == nil {
		return nil, nil
	}
	points, err := s.Select(name, nil, start, end)
	if err != nil {
		if err == tstorage.ErrNoDataPoints {
			return nil, nil
		}
		return nil, err
	}
	return points, nil
}

// Close flushes and closes the store.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
