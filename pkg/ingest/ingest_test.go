package ingest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/storage"
)

func restConfig(endpoint string) config.SourceConfig {
	return config.SourceConfig{
		Name:        "orders",
		Type:        "rest",
		Location:    endpoint,
		AuthType:    "bearer",
		Secret:      "ORDERS_TOKEN",
		CursorField: "updated_at",
		PageSize:    2,
	}
}

func TestRESTSourcePagination(t *testing.T) {
	pages := [][]map[string]interface{}{
		{
			{"id": "1", "updated_at": "2026-08-01T00:00:00Z", "amount": 10.0},
			{"id": "2", "updated_at": "2026-08-02T00:00:00Z", "amount": 20.0},
		},
		{
			{"id": "3", "updated_at": "2026-08-03T00:00:00Z", "amount": 30.0},
		},
	}
	var authHeaders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var rows []map[string]interface{}
		if page >= 1 && page <= len(pages) {
			rows = pages[page-1]
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	}))
	defer srv.Close()

	src, err := NewRESTSource(restConfig(srv.URL), StaticSecretStore{"ORDERS_TOKEN": "tok-123"})
	require.NoError(t, err)
	defer src.Close()

	res, err := src.Ingest(context.Background(), Watermark{})
	require.NoError(t, err)
	assert.Len(t, res.Batch.Records, 3)
	assert.Equal(t, "2026-08-03T00:00:00Z", res.Next.Cursor)
	assert.Equal(t, "raw", res.Batch.Stage)
	for _, h := range authHeaders {
		assert.Equal(t, "Bearer tok-123", h)
	}
}

func TestRESTSourceNoNewData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-08-03T00:00:00Z", r.URL.Query().Get("since"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	src, err := NewRESTSource(restConfig(srv.URL), StaticSecretStore{"ORDERS_TOKEN": "tok-123"})
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Ingest(context.Background(), Watermark{Cursor: "2026-08-03T00:00:00Z"})
	assert.ErrorIs(t, err, ErrNoNewData)
}

func TestRESTSourceDiscardsPartialRun(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"1","updated_at":"a"},{"id":"2","updated_at":"b"}]`))
			return
		}
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	src, err := NewRESTSource(restConfig(srv.URL), StaticSecretStore{"ORDERS_TOKEN": "t"})
	require.NoError(t, err)
	defer src.Close()

	res, err := src.Ingest(context.Background(), Watermark{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternalSource))
	assert.True(t, errors.IsRetryable(err))
}

func TestRESTSourceStableBatchIdentity(t *testing.T) {
	body := `[{"id":"7","updated_at":"x"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	src, err := NewRESTSource(restConfig(srv.URL), StaticSecretStore{"ORDERS_TOKEN": "t"})
	require.NoError(t, err)
	defer src.Close()

	first, err := src.Ingest(context.Background(), Watermark{})
	require.NoError(t, err)
	second, err := src.Ingest(context.Background(), Watermark{})
	require.NoError(t, err)
	assert.Equal(t, first.Batch.BatchID, second.Batch.BatchID,
		"replaying the same rows must produce the same batch id")
}

func TestWatermarkAdvanceCAS(t *testing.T) {
	for name, store := range map[string]WatermarkStore{
		"memory": NewMemoryWatermarkStore(),
		"object": NewObjectWatermarkStore(storage.NewMemoryStore()),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			w, err := store.Get(ctx, "orders")
			require.NoError(t, err)
			assert.True(t, w.Zero())

			require.NoError(t, store.Advance(ctx, "orders", w, Watermark{Cursor: "c1"}))

			got, err := store.Get(ctx, "orders")
			require.NoError(t, err)
			assert.Equal(t, "c1", got.Cursor)
			assert.False(t, got.UpdatedAt.IsZero())

			// a stale reader must not clobber the newer cursor
			err = store.Advance(ctx, "orders", w, Watermark{Cursor: "c2"})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

			got, err = store.Get(ctx, "orders")
			require.NoError(t, err)
			assert.Equal(t, "c1", got.Cursor)
		})
	}
}

func TestWebhookPushAndDrain(t *testing.T) {
	src := NewWebhookSource(config.SourceConfig{Name: "events", Type: "webhook", PageSize: 5})

	srv := httptest.NewServer(src)
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json",
		jsonBody(t, []map[string]interface{}{{"id": "a"}, {"id": "b"}}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL, "application/json",
		jsonBody(t, map[string]interface{}{"id": "c"}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	res, err := src.Ingest(context.Background(), Watermark{})
	require.NoError(t, err)
	assert.Len(t, res.Batch.Records, 3)
	assert.Equal(t, "3", res.Next.Cursor)

	_, err = src.Ingest(context.Background(), Watermark{Cursor: "3"})
	assert.ErrorIs(t, err, ErrNoNewData)
}

func TestWebhookRedeliversUntilWatermarkAdvances(t *testing.T) {
	src := NewWebhookSource(config.SourceConfig{Name: "events", Type: "webhook"})
	require.NoError(t, src.Push(map[string]interface{}{"id": "a"}))

	first, err := src.Ingest(context.Background(), Watermark{})
	require.NoError(t, err)
	require.Len(t, first.Batch.Records, 1)

	// the raw commit failed, so the retry resumes from the old watermark;
	// the accepted record must come back instead of vanishing
	second, err := src.Ingest(context.Background(), Watermark{})
	require.NoError(t, err)
	require.Len(t, second.Batch.Records, 1)
	assert.Equal(t, first.Batch.BatchID, second.Batch.BatchID)
	assert.Equal(t, first.Next.Cursor, second.Next.Cursor)

	// records pushed during the retry window ride along with the redelivery
	require.NoError(t, src.Push(map[string]interface{}{"id": "b"}))
	third, err := src.Ingest(context.Background(), Watermark{})
	require.NoError(t, err)
	assert.Len(t, third.Batch.Records, 2)
	assert.Equal(t, "2", third.Next.Cursor)

	// the advanced watermark acknowledges the delivery
	_, err = src.Ingest(context.Background(), Watermark{Cursor: third.Next.Cursor})
	assert.ErrorIs(t, err, ErrNoNewData)
}

func TestWebhookBoundedQueue(t *testing.T) {
	src := NewWebhookSource(config.SourceConfig{Name: "events", Type: "webhook", PageSize: 2})
	require.NoError(t, src.Push(map[string]interface{}{"id": "1"}))
	require.NoError(t, src.Push(map[string]interface{}{"id": "2"}))
	err := src.Push(map[string]interface{}{"id": "3"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternalSource))

	srv := httptest.NewServer(src)
	defer srv.Close()
	resp, err := http.Post(srv.URL, "application/json",
		jsonBody(t, map[string]interface{}{"id": "4"}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRegistryCreate(t *testing.T) {
	assert.Equal(t, []string{"ftp", "rest", "webhook"}, Types())

	src, err := Create(config.SourceConfig{Name: "hooked", Type: "webhook"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hooked", src.Name())

	_, err = Create(config.SourceConfig{Name: "x", Type: "carrier_pigeon"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestEnvSecretStore(t *testing.T) {
	t.Setenv("ORDERS_TOKEN", "hunter2")
	v, err := EnvSecretStore{}.Get("ORDERS_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = EnvSecretStore{}.Get("NOT_SET_ANYWHERE_12345")
	require.Error(t, err)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
