package ingest

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/logger"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

const defaultWebhookQueue = 10000

func init() {
	Register("webhook", func(cfg config.SourceConfig, _ SecretStore) (Source, error) {
		return NewWebhookSource(cfg), nil
	})
}

// WebhookSource accepts pushed records over HTTP and buffers them until the
// next scheduled ingestion drains the queue. The queue is bounded; when it is
// full the handler answers 503 and the producer is expected to retry.
//
// The watermark cursor counts delivered records and doubles as the delivery
// acknowledgement: drained records stay pending until a later Ingest arrives
// with the cursor that covered them, which only happens after the raw commit
// and watermark advance succeeded. Until then every Ingest redelivers the
// pending records, so a failed commit retries the same batch instead of
// reporting no new data.
type WebhookSource struct {
	name     string
	capacity int

	mu            sync.Mutex
	queue         []models.Record
	pending       []models.Record
	pendingCursor string
	acked         uint64
}

func NewWebhookSource(cfg config.SourceConfig) *WebhookSource {
	capacity := cfg.PageSize
	if capacity <= 0 {
		capacity = defaultWebhookQueue
	}
	return &WebhookSource{name: cfg.Name, capacity: capacity}
}

func (s *WebhookSource) Name() string { return s.name }

// Push enqueues one payload object. It fails when the buffer is full.
func (s *WebhookSource) Push(row map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.capacity {
		return errors.Newf(errors.ErrorTypeExternalSource,
			"webhook %q queue full (%d records)", s.name, s.capacity)
	}
	s.queue = append(s.queue, rowToRecord(s.name, row))
	return nil
}

// ServeHTTP accepts POSTed JSON: a single object or an array of objects.
func (s *WebhookSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		var row map[string]interface{}
		if err := json.Unmarshal(body, &row); err != nil {
			http.Error(w, "body must be a JSON object or array", http.StatusBadRequest)
			return
		}
		rows = []map[string]interface{}{row}
	}

	for i, row := range rows {
		if err := s.Push(row); err != nil {
			logger.Warn("webhook queue full",
				zap.String("source", s.name), zap.Int("accepted", i), zap.Int("total", len(rows)))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *WebhookSource) Ingest(_ context.Context, from Watermark) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A caller resuming from the cursor we handed out last time has durably
	// committed that delivery; anything earlier means the commit failed and
	// the pending records must go out again.
	if s.pendingCursor != "" && from.Cursor == s.pendingCursor {
		s.acked += uint64(len(s.pending))
		s.pending = nil
		s.pendingCursor = ""
	}

	records := append(s.pending, s.queue...)
	s.queue = nil
	if len(records) == 0 {
		return nil, ErrNoNewData
	}
	s.pending = records
	s.pendingCursor = strconv.FormatUint(s.acked+uint64(len(records)), 10)

	batch := models.NewBatch("raw", models.ZoneRaw,
		models.PartitionForTime(time.Now().UTC()), records)
	return &Result{Batch: batch, Next: Watermark{Cursor: s.pendingCursor}}, nil
}

func (s *WebhookSource) Close() error { return nil }
