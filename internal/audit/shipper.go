// Package audit records security-relevant events: integration creation,
// credential changes, sync runs, key rotations. Audit records are separate
// from application logs because they have different consumers and retention
// requirements — application logs are ephemeral debug output, audit records
// are durable entries that security reviews depend on. Besides the database
// table, records can be shipped to external destinations (webhook, file)
// through the Shipper interface, and batched to an object store through the
// archive package.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cloudsync/cloudsync/internal/config"
)

// LogEntry is the wire shape of one shipped audit record
type LogEntry struct {
	Timestamp      time.Time              `json:"timestamp"`
	Action         string                 `json:"action"`
	ActorID        string                 `json:"actor_id,omitempty"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	ResourceType   string                 `json:"resource_type,omitempty"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	RiskLevel      string                 `json:"risk_level,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Shipper sends audit records to an external destination
type Shipper interface {
	// Ship sends one record to the destination
	Ship(ctx context.Context, entry *LogEntry) error
	// Close cleans up any resources
	Close() error
}

// WebhookSettings configures a webhook shipper
type WebhookSettings struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// BatchSize is how many entries to collect before sending (0 = no batching)
	BatchSize int
	// FlushInterval is how often a partial batch is flushed
	FlushInterval time.Duration
}

// FileSettings configures a file shipper
type FileSettings struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// MultiShipper fans one record out to every configured destination
type MultiShipper struct {
	mu       sync.RWMutex
	shippers []Shipper
}

// NewMultiShipper builds the shipper set from configuration. Disabled entries
// are skipped; an unknown type or an incomplete entry is a startup error.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{
		shippers: make([]Shipper, 0),
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(&WebhookSettings{
				URL:           cfg.Webhook.URL,
				Headers:       cfg.Webhook.Headers,
				Timeout:       time.Duration(cfg.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     cfg.Webhook.BatchSize,
				FlushInterval: time.Duration(cfg.Webhook.FlushInterval) * time.Second,
			})
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(&FileSettings{
				Path:       cfg.File.Path,
				MaxSizeMB:  cfg.File.MaxSizeMB,
				MaxBackups: cfg.File.MaxBackups,
			})
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Add appends a shipper built outside the config-driven constructor, such as
// the object-store archiver
func (ms *MultiShipper) Add(shipper Shipper) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.shippers = append(ms.shippers, shipper)
}

// Ship sends an entry to all destinations. A failing destination does not
// block the others; the last failure is returned.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			lastErr = err
			slog.Warn("audit shipper failed", "error", err)
		}
	}
	return lastErr
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper POSTs audit records to an HTTP endpoint, optionally batched
type WebhookShipper struct {
	settings  *WebhookSettings
	client    *http.Client
	batchCh   chan *LogEntry
	batch     []*LogEntry
	batchMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a webhook shipper and starts its batch processor
// when batching is enabled
func NewWebhookShipper(settings *WebhookSettings) (*WebhookShipper, error) {
	timeout := settings.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ws := &WebhookShipper{
		settings: settings,
		client: &http.Client{
			Timeout: timeout,
		},
		batchCh: make(chan *LogEntry, 1000),
		batch:   make([]*LogEntry, 0),
		closeCh: make(chan struct{}),
	}

	if settings.BatchSize > 0 {
		go ws.processBatches()
	}

	return ws, nil
}

func (ws *WebhookShipper) processBatches() {
	flushInterval := ws.settings.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-ws.batchCh:
			ws.batchMu.Lock()
			ws.batch = append(ws.batch, entry)
			if len(ws.batch) >= ws.settings.BatchSize {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ticker.C:
			ws.batchMu.Lock()
			if len(ws.batch) > 0 {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ws.closeCh:
			ws.batchMu.Lock()
			if len(ws.batch) > 0 {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
			return
		}
	}
}

// flushBatch sends the current batch. Caller holds batchMu.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}

	data, err := json.Marshal(ws.batch)
	if err != nil {
		slog.Warn("failed to marshal audit batch", "error", err)
		ws.batch = ws.batch[:0]
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.client.Timeout)
	defer cancel()

	if err := ws.sendRequest(ctx, data); err != nil {
		slog.Warn("failed to send audit batch", "error", err)
	}

	ws.batch = ws.batch[:0]
}

// Ship sends an entry to the webhook, queuing it when batching is enabled
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.settings.BatchSize > 0 {
		select {
		case ws.batchCh <- entry:
			return nil
		default:
			// Queue full, fall through to direct send.
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	return ws.sendRequest(ctx, data)
}

func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", ws.settings.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.settings.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Close stops the batch processor, flushing any queued entries
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	return nil
}

// FileShipper appends audit records to a newline-delimited JSON file
type FileShipper struct {
	settings *FileSettings
	file     *os.File
	mu       sync.Mutex
}

// NewFileShipper opens (or creates) the audit log file
func NewFileShipper(settings *FileSettings) (*FileShipper, error) {
	file, err := os.OpenFile(settings.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileShipper{
		settings: settings,
		file:     file,
	}, nil
}

// Ship writes an entry as one JSON line, rotating the file when it exceeds
// the size limit
func (fs *FileShipper) Ship(ctx context.Context, entry *LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.settings.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.settings.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Warn("failed to rotate audit log", "error", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	return nil
}

func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.settings.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", fs.settings.Path, i)
		newPath := fmt.Sprintf("%s.%d", fs.settings.Path, i+1)
		_ = os.Rename(oldPath, newPath)
	}

	_ = os.Rename(fs.settings.Path, fs.settings.Path+".1")

	if fs.settings.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.settings.Path, fs.settings.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.settings.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
