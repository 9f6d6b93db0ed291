package httpadapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crop-pest-detector/internal/adapter/httpadapter"
	"github.com/couchcryptid/crop-pest-detector/internal/adapter/raster"
	"github.com/couchcryptid/crop-pest-detector/internal/adapter/sqlite"
	"github.com/couchcryptid/crop-pest-detector/internal/domain"
	"github.com/couchcryptid/crop-pest-detector/internal/observability"
	"github.com/couchcryptid/crop-pest-detector/internal/pipeline"
)

const fieldGeometry = `{"type":"Polygon","coordinates":[[[77.495,22.995],[77.515,22.995],[77.515,23.015],[77.495,23.015],[77.495,22.995]]]}`

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type stubEvaluator struct {
	outcome domain.DetectionOutcome
	err     error
	got     domain.DetectionRequest
}

func (s *stubEvaluator) Evaluate(_ context.Context, req domain.DetectionRequest) (domain.DetectionOutcome, error) {
	s.got = req
	return s.outcome, s.err
}

type stubHistory struct {
	outcomes []domain.DetectionOutcome
	err      error
	field    string
	limit    int

	loaded  []domain.DetectionOutcome
	loadErr error
}

func (s *stubHistory) LoadBatch(_ context.Context, outcomes []domain.DetectionOutcome) error {
	if s.loadErr != nil {
		return s.loadErr
	}
	s.loaded = append(s.loaded, outcomes...)
	return nil
}

func (s *stubHistory) ListByField(_ context.Context, fieldID string, limit int) ([]domain.DetectionOutcome, error) {
	s.field, s.limit = fieldID, limit
	return s.outcomes, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(readyErr error, eval httpadapter.Evaluator, history httpadapter.History) *httpadapter.Server {
	return httpadapter.NewServer(httpadapter.Options{
		Addr:           ":0",
		AllowedOrigins: []string{"https://fields.example.com"},
		Ready:          &mockReadiness{err: readyErr},
		Evaluator:      eval,
		History:        history,
	}, discardLogger())
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := do(t, newTestServer(nil, &stubEvaluator{}, nil), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReflectsChecker(t *testing.T) {
	assert.Equal(t, http.StatusOK, do(t, newTestServer(nil, &stubEvaluator{}, nil), http.MethodGet, "/readyz", "").Code)

	rec := do(t, newTestServer(fmt.Errorf("not ready yet"), &stubEvaluator{}, nil), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not ready yet")
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(nil, &stubEvaluator{}, nil), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCreateDetection_StatusCodes(t *testing.T) {
	tests := []struct {
		status string
		want   int
	}{
		{domain.StatusDetected, http.StatusOK},
		{domain.StatusClear, http.StatusOK},
		{domain.StatusNoData, http.StatusOK},
		{domain.StatusInvalid, http.StatusUnprocessableEntity},
		{domain.StatusBackendError, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			eval := &stubEvaluator{outcome: domain.DetectionOutcome{ID: "det-1", FieldID: "field-7", Status: tt.status}}
			body := `{"field_id":"field-7","geometry":` + fieldGeometry + `,"min_fraction":0.2}`

			rec := do(t, newTestServer(nil, eval, nil), http.MethodPost, "/v1/detections", body)

			assert.Equal(t, tt.want, rec.Code)
			var got domain.DetectionOutcome
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, "field-7", eval.got.FieldID)
			require.NotNil(t, eval.got.MinFraction)
			assert.Equal(t, 0.2, *eval.got.MinFraction)
		})
	}
}

func TestCreateDetection_RejectsMalformedRequests(t *testing.T) {
	srv := newTestServer(nil, &stubEvaluator{}, nil)

	for name, body := range map[string]string{
		"not json":         `{`,
		"missing field id": `{"geometry":` + fieldGeometry + `}`,
		"missing geometry": `{"field_id":"f"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/v1/detections", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateDetection_BadGeometry(t *testing.T) {
	eval := &stubEvaluator{err: fmt.Errorf("%w: %w", domain.ErrMalformedRequest, domain.ErrInvalidRegion)}
	rec := do(t, newTestServer(nil, eval, nil), http.MethodPost, "/v1/detections", `{"field_id":"f","geometry":{"type":"Point","coordinates":[1,2]}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDetection_Aborted(t *testing.T) {
	eval := &stubEvaluator{err: context.DeadlineExceeded}
	rec := do(t, newTestServer(nil, eval, nil), http.MethodPost, "/v1/detections", `{"field_id":"f","geometry":`+fieldGeometry+`}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	eval.err = context.Canceled
	rec = do(t, newTestServer(nil, eval, nil), http.MethodPost, "/v1/detections", `{"field_id":"f","geometry":`+fieldGeometry+`}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListDetections(t *testing.T) {
	history := &stubHistory{outcomes: []domain.DetectionOutcome{{ID: "det-2", FieldID: "field-7", Status: domain.StatusDetected}}}
	srv := newTestServer(nil, &stubEvaluator{}, history)

	rec := do(t, srv, http.MethodGet, "/v1/fields/field-7/detections?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "field-7", history.field)
	assert.Equal(t, 5, history.limit)

	var body struct {
		FieldID    string                    `json:"field_id"`
		Detections []domain.DetectionOutcome `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "field-7", body.FieldID)
	require.Len(t, body.Detections, 1)
	assert.Equal(t, "det-2", body.Detections[0].ID)

	do(t, srv, http.MethodGet, "/v1/fields/field-7/detections", "")
	assert.Equal(t, 20, history.limit, "default limit")

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/fields/field-7/detections?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/fields/field-7/detections?limit=abc", "").Code)

	history.err = errors.New("disk I/O error")
	assert.Equal(t, http.StatusInternalServerError, do(t, srv, http.MethodGet, "/v1/fields/field-7/detections", "").Code)
}

func TestCreateDetection_RecordsOutcomeInHistory(t *testing.T) {
	eval := &stubEvaluator{outcome: domain.DetectionOutcome{ID: "det-3", FieldID: "field-7", Status: domain.StatusClear}}
	history := &stubHistory{}
	srv := newTestServer(nil, eval, history)
	body := `{"field_id":"field-7","geometry":` + fieldGeometry + `}`

	rec := do(t, srv, http.MethodPost, "/v1/detections", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, history.loaded, 1)
	assert.Equal(t, "det-3", history.loaded[0].ID)

	// Malformed and aborted requests produce no outcome to record.
	do(t, srv, http.MethodPost, "/v1/detections", `{`)
	eval.err = context.DeadlineExceeded
	do(t, srv, http.MethodPost, "/v1/detections", body)
	assert.Len(t, history.loaded, 1)

	// A failing store does not hide the verdict.
	eval.err = nil
	history.loadErr = errors.New("database is locked")
	rec = do(t, srv, http.MethodPost, "/v1/detections", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "det-3")
}

func TestListDetections_WithoutHistory(t *testing.T) {
	rec := do(t, newTestServer(nil, &stubEvaluator{}, nil), http.MethodGet, "/v1/fields/field-7/detections", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(nil, &stubEvaluator{}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/v1/detections", nil)
	req.Header.Set("Origin", "https://fields.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, "https://fields.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAllReady(t *testing.T) {
	ok := &mockReadiness{}
	failing := &mockReadiness{err: errors.New("store closed")}

	assert.NoError(t, httpadapter.AllReady(ok, nil).CheckReadiness(context.Background()))
	assert.EqualError(t, httpadapter.AllReady(ok, failing).CheckReadiness(context.Background()), "store closed")
}

// TestCreateDetection_RasterBackend runs a request through the real
// transformer against a generated tile.
func TestCreateDetection_RasterBackend(t *testing.T) {
	backend, err := raster.New(raster.Generate(raster.DefaultGenerateOptions()), discardLogger())
	require.NoError(t, err)

	transformer := pipeline.NewDetectionTransformer(
		domain.NewDetector(backend, discardLogger()),
		domain.StandardDefaults(),
		discardLogger(),
		observability.NewMetricsForTesting(),
	)
	srv := httpadapter.NewServer(httpadapter.Options{
		Ready:         &mockReadiness{},
		Evaluator:     transformer,
		DetectTimeout: 30 * time.Second,
	}, discardLogger())

	rec := do(t, srv, http.MethodPost, "/v1/detections", `{"request_id":"req-1","field_id":"field-7","geometry":`+fieldGeometry+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got domain.DetectionOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, domain.StatusDetected, got.Status)
	assert.True(t, got.Result.PestDetected)
	assert.Positive(t, got.AreaHectares)

	rec = do(t, srv, http.MethodPost, "/v1/detections", `{"field_id":"field-7","geometry":`+fieldGeometry+`,"ndvi_threshold":0.5}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateDetection_ListedFromStore(t *testing.T) {
	backend, err := raster.New(raster.Generate(raster.DefaultGenerateOptions()), discardLogger())
	require.NoError(t, err)
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httpadapter.NewServer(httpadapter.Options{
		Ready: &mockReadiness{},
		Evaluator: pipeline.NewDetectionTransformer(
			domain.NewDetector(backend, discardLogger()),
			domain.StandardDefaults(),
			discardLogger(),
			observability.NewMetricsForTesting(),
		),
		History:       store,
		DetectTimeout: 30 * time.Second,
	}, discardLogger())

	rec := do(t, srv, http.MethodPost, "/v1/detections", `{"request_id":"req-9","field_id":"field-9","geometry":`+fieldGeometry+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/v1/fields/field-9/detections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Detections []domain.DetectionOutcome `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Detections, 1)
	assert.Equal(t, "req-9", body.Detections[0].ID)
	assert.Equal(t, domain.StatusDetected, body.Detections[0].Status)
}
