// archiver.go implements the Archiver, an audit shipper that collects records
// into batches and writes each finished batch to the archive store as one
// newline-delimited JSON object.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsync/cloudsync/internal/audit"
	"github.com/cloudsync/cloudsync/internal/config"
	"github.com/cloudsync/cloudsync/internal/telemetry"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Minute
	putTimeout           = 30 * time.Second
)

// Archiver batches audit records and writes them to an object store. It
// implements audit.Shipper, so it joins the webhook and file shippers on the
// logger's fan-out path. A batch that fails to upload is dropped with a
// warning; the database row remains the authoritative record.
type Archiver struct {
	store  Store
	prefix string

	batchSize     int
	flushInterval time.Duration

	batchCh   chan *audit.LogEntry
	batch     []*audit.LogEntry
	batchMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewArchiver creates an archiver over the given store and starts its batch
// processor
func NewArchiver(store Store, cfg config.AuditArchiveConfig) *Archiver {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	a := &Archiver{
		store:         store,
		prefix:        cfg.Prefix,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		batchCh:       make(chan *audit.LogEntry, 1000),
		batch:         make([]*audit.LogEntry, 0, batchSize),
		closeCh:       make(chan struct{}),
	}

	a.wg.Add(1)
	go a.processBatches()

	return a
}

// Ship queues one record for the next batch
func (a *Archiver) Ship(ctx context.Context, entry *audit.LogEntry) error {
	select {
	case a.batchCh <- entry:
		return nil
	default:
		return fmt.Errorf("archive queue full, dropping audit record")
	}
}

func (a *Archiver) processBatches() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-a.batchCh:
			a.batchMu.Lock()
			a.batch = append(a.batch, entry)
			if len(a.batch) >= a.batchSize {
				a.flushBatch()
			}
			a.batchMu.Unlock()
		case <-ticker.C:
			a.batchMu.Lock()
			a.flushBatch()
			a.batchMu.Unlock()
		case <-a.closeCh:
			// Drain anything still queued before the final flush.
			for {
				select {
				case entry := <-a.batchCh:
					a.batchMu.Lock()
					a.batch = append(a.batch, entry)
					a.batchMu.Unlock()
					continue
				default:
				}
				break
			}
			a.batchMu.Lock()
			a.flushBatch()
			a.batchMu.Unlock()
			return
		}
	}
}

// flushBatch uploads the current batch as one NDJSON object. Caller holds
// batchMu.
func (a *Archiver) flushBatch() {
	if len(a.batch) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, entry := range a.batch {
		line, err := json.Marshal(entry)
		if err != nil {
			slog.Warn("failed to marshal audit record for archive", "error", err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	key := a.objectKey(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	if err := a.store.Put(ctx, key, buf.Bytes()); err != nil {
		telemetry.AuditArchiveFailuresTotal.Inc()
		slog.Warn("failed to archive audit batch", "key", key, "records", len(a.batch), "error", err)
	} else {
		telemetry.AuditArchivedBatchesTotal.Inc()
		slog.Debug("archived audit batch", "key", key, "records", len(a.batch))
	}

	a.batch = a.batch[:0]
}

// objectKey builds a date-partitioned key so store-side lifecycle rules and
// queries can work per day
func (a *Archiver) objectKey(now time.Time) string {
	now = now.UTC()
	name := fmt.Sprintf("audit-%s-%s.ndjson", now.Format("20060102T150405Z"), uuid.NewString()[:8])
	return path.Join(a.prefix, now.Format("2006/01/02"), name)
}

// Close flushes any queued records and closes the underlying store
func (a *Archiver) Close() error {
	a.closeOnce.Do(func() {
		close(a.closeCh)
	})
	a.wg.Wait()
	return a.store.Close()
}
