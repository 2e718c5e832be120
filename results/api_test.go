package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/experiment-results/internal/blobstore"
	"github.com/animus-labs/experiment-results/internal/cipher"
	"github.com/animus-labs/experiment-results/internal/dispatch"
	"github.com/animus-labs/experiment-results/internal/platform/auditlog"
	"github.com/animus-labs/experiment-results/internal/platform/auth"
	"github.com/animus-labs/experiment-results/internal/platform/database"
	"github.com/animus-labs/experiment-results/internal/platform/httpserver"
	"github.com/animus-labs/experiment-results/internal/repo/sqlstore"
	"github.com/animus-labs/experiment-results/internal/service/results"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "cipher-secret"

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryBlobs) Get(_ context.Context, bucket, key string, _ blobstore.Credentials) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, blobstore.ErrObjectNotFound
	}
	return body, nil
}

func (m *memoryBlobs) Put(_ context.Context, bucket, key string, body []byte, _ blobstore.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), body...)
	return nil
}

// syncDispatcher runs the pipeline before Dispatch returns.
type syncDispatcher struct {
	runner dispatch.Runner
}

func (d syncDispatcher) Dispatch(ctx context.Context, trigger dispatch.Trigger) error {
	return d.runner.Run(ctx, trigger)
}

type testServer struct {
	handler  http.Handler
	db       *sql.DB
	blobs    *memoryBlobs
	registry *prometheus.Registry
}

func newTestServer(t *testing.T, authenticator auth.Authenticator) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Driver:       database.DriverSQLite,
		URL:          ":memory:",
		PingTimeout:  2 * time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, db, database.DriverSQLite))
	conn := database.Bind(database.DriverSQLite, db)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	blobs := &memoryBlobs{objects: map[string][]byte{}}
	credentialCipher := cipher.New(1000)

	cfg := results.DefaultConfig()
	cfg.CipherSecret = testSecret
	experiments := sqlstore.NewExperimentStore(conn)
	outputs := sqlstore.NewOutputStore(conn)
	dataRepositories := sqlstore.NewDataRepositoryStore(conn)
	svc, err := results.New(cfg, results.Deps{
		Experiments:      experiments,
		Outputs:          outputs,
		DataRepositories: dataRepositories,
		Requests:         sqlstore.NewResultsRequestStore(db, database.DriverSQLite),
		Cipher:           credentialCipher,
		Blobs:            blobs,
		Metrics:          results.NewMetrics(registry),
		Logger:           logger,
	})
	require.NoError(t, err)
	svc.UseDispatcher(syncDispatcher{runner: svc})

	router, err := loadRouter()
	require.NoError(t, err)

	api := &resultsAPI{
		logger:           logger,
		service:          svc,
		experiments:      experiments,
		outputs:          outputs,
		dataRepositories: dataRepositories,
		cipher:           credentialCipher,
		blobs:            blobs,
		lineage:          conn,
		audit:            conn,
		cfg:              svc.Config(),
		now:              func() time.Time { return time.Now().UTC() },
	}
	handler := newHandler(logger, handlerDeps{
		api:           api,
		router:        router,
		authenticator: authenticator,
		audit: func(ctx context.Context, event auth.DenyEvent) error {
			return auditlog.InsertAuthDeny(ctx, conn, serviceName, event)
		},
		readiness: []httpserver.ReadinessCheck{{
			Name:  "sqlite",
			Check: db.PingContext,
		}},
		registry:    registry,
		httpMetrics: httpserver.NewMetrics(registry, serviceName),
	})
	return &testServer{handler: handler, db: db, blobs: blobs, registry: registry}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = strings.NewReader(v)
		default:
			raw, err := json.Marshal(v)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, "http://results.test"+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func testCredentials() map[string]any {
	return map[string]any{
		"endpoint_url": "http://127.0.0.1:9000",
		"bucket_name":  "results",
		"cos_hmac_keys": map[string]any{
			"access_key_id":     "access",
			"secret_access_key": "secret",
		},
	}
}

func TestEndToEndSearchRequest(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/data-repositories", map[string]any{
		"name":        "cos",
		"credentials": testCredentials(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dataRepo := decodeBody(t, rec)
	assert.NotContains(t, dataRepo, "credentials")
	assert.NotContains(t, rec.Body.String(), "secret_access_key")
	dataRepoID := dataRepo["id"].(string)

	rec = s.do(t, http.MethodPost, "/experiments", map[string]any{
		"name":        "exp",
		"location_id": "loc-1",
		"executor_id": "exec-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	experiment := decodeBody(t, rec)
	experimentID := experiment["id"].(string)
	assert.Equal(t, "legacy", experiment["hash_format"])

	rec = s.do(t, http.MethodPost, "/experiments", map[string]any{
		"location_id": "loc-1",
		"executor_id": "exec-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, experimentID, decodeBody(t, rec)["id"])

	rec = s.do(t, http.MethodPost, "/experiments/"+experimentID+"/outputs", map[string]any{
		"type":               "EXECUTION_RESPONSE",
		"artifact_name":      "result.json",
		"artifact_key":       "runs/1/result.json",
		"data_repository_id": dataRepoID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	outputID := decodeBody(t, rec)["output_id"].(string)

	rec = s.do(t, http.MethodPut, "/experiments/"+experimentID+"/outputs/"+outputID+"/payload",
		`{"states":[{"day":1}],"actions":[{"a":1}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, s.blobs.objects, "results/runs/1/result.json")

	rec = s.do(t, http.MethodPost, "/results-requests", map[string]any{
		"mode":         "search",
		"environments": []map[string]string{{"id": "exec-1"}},
		"locations":    []map[string]string{{"id": "loc-1"}, {"id": "loc-2"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, false, created["status"])
	requestID := created["id"].(string)

	rec = s.do(t, http.MethodGet, "/results-requests/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view struct {
		Status  bool   `json:"status"`
		State   string `json:"state"`
		Results []struct {
			ResultID   string          `json:"resultId"`
			ResultName string          `json:"resultName"`
			LocationID string          `json:"locationId"`
			ExecutorID string          `json:"executorId"`
			Rewards    json.RawMessage `json:"rewards"`
			Actions    json.RawMessage `json:"actions"`
			OutputType string          `json:"outputType"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Status)
	assert.Equal(t, "complete", view.State)
	require.Len(t, view.Results, 1)
	assert.Equal(t, requestID, view.Results[0].ResultID)
	assert.Equal(t, "result.json", view.Results[0].ResultName)
	assert.Equal(t, "loc-1", view.Results[0].LocationID)
	assert.Equal(t, "exec-1", view.Results[0].ExecutorID)
	assert.JSONEq(t, `[{"day":1}]`, string(view.Results[0].Rewards))
	assert.JSONEq(t, `[{"a":1}]`, string(view.Results[0].Actions))
	assert.Equal(t, "EXECUTION_RESPONSE", view.Results[0].OutputType)

	rec = s.do(t, http.MethodPost, "/results-requests/"+requestID+"/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "complete", decodeBody(t, rec)["state"])

	var audits int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE action = 'results_request.completed'`).Scan(&audits))
	assert.Equal(t, 1, audits)
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE action = 'data_repository.created' AND resource_id = ?`, dataRepoID).Scan(&audits))
	assert.Equal(t, 1, audits)

	rec = s.do(t, http.MethodGet, "/results-requests/"+requestID+"/lineage", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var lineage struct {
		Events []struct {
			SubjectID  string `json:"subject_id"`
			Predicate  string `json:"predicate"`
			ObjectType string `json:"object_type"`
			ObjectID   string `json:"object_id"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lineage))
	require.Len(t, lineage.Events, 1)
	assert.Equal(t, requestID, lineage.Events[0].SubjectID)
	assert.Equal(t, "aggregates", lineage.Events[0].Predicate)
	assert.Equal(t, "experiment", lineage.Events[0].ObjectType)
	assert.Equal(t, experimentID, lineage.Events[0].ObjectID)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `results_pipeline_runs_total{outcome="completed"} 1`)
	assert.Contains(t, rec.Body.String(), `results_pipeline_runs_total{outcome="already_complete"} 1`)
}

func TestCreateResultsRequestWithEmptyModeStaysPending(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/results-requests", map[string]any{
		"mode":        "experiment",
		"experiments": []map[string]string{},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	requestID := decodeBody(t, rec)["id"].(string)

	rec = s.do(t, http.MethodGet, "/results-requests/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["status"])
	assert.Equal(t, "pending", body["state"])
	assert.Empty(t, body["results"])
}

func TestCreateResultsRequestValidation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/results-requests", map[string]any{"mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeBody(t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/results-requests", map[string]any{
		"mode":        "experiment",
		"experiments": []map[string]string{{"id": ""}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "http://results.test/results-requests", strings.NewReader(`{"mode":"experiment"}`))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestNotFoundResponses(t *testing.T) {
	s := newTestServer(t, nil)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/results-requests/missing"},
		{http.MethodPost, "/results-requests/missing/runs"},
		{http.MethodGet, "/results-requests/missing/lineage"},
		{http.MethodGet, "/experiments/missing"},
	} {
		rec := s.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Equal(t, "not_found", decodeBody(t, rec)["error"], tc.path)
	}

	rec := s.do(t, http.MethodPost, "/experiments/missing/outputs", map[string]any{"type": "EXECUTION_RESPONSE"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateOutputRejectsUnknownDataRepository(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/experiments", map[string]any{"location_id": "l", "executor_id": "e"})
	require.Equal(t, http.StatusCreated, rec.Code)
	experimentID := decodeBody(t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/experiments/"+experimentID+"/outputs", map[string]any{
		"artifact_key":       "k",
		"data_repository_id": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_data_repository", decodeBody(t, rec)["error"])
}

func TestUploadPayloadRequiresLinkedOutput(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/experiments", map[string]any{"location_id": "l", "executor_id": "e"})
	require.Equal(t, http.StatusCreated, rec.Code)
	experimentID := decodeBody(t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/experiments/"+experimentID+"/outputs", map[string]any{"artifact_key": "k"})
	require.Equal(t, http.StatusCreated, rec.Code)
	outputID := decodeBody(t, rec)["output_id"].(string)

	rec = s.do(t, http.MethodPut, "/experiments/"+experimentID+"/outputs/"+outputID+"/payload", `{"states":[]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestGatewayAuth(t *testing.T) {
	const secret = "internal-secret"
	authenticator, err := auth.NewGatewayHeadersAuthenticator(secret)
	require.NoError(t, err)
	s := newTestServer(t, authenticator)

	rec := s.do(t, http.MethodGet, "/results-requests/anything", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var denies int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE action = 'auth.unauthenticated'`).Scan(&denies))
	assert.Equal(t, 1, denies)

	rec = s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	signed := func(method, path, roles string) *http.Request {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := auth.SignedRequest{
			Timestamp: ts,
			Method:    method,
			Path:      path,
			RequestID: "rid-1",
			Subject:   "alice",
			Roles:     roles,
		}.Sign(secret)
		require.NoError(t, err)
		req := httptest.NewRequest(method, "http://results.test"+path, nil)
		req.Header.Set("X-Request-Id", "rid-1")
		req.Header.Set(auth.HeaderSubject, "alice")
		req.Header.Set(auth.HeaderRoles, roles)
		req.Header.Set(auth.HeaderInternalAuthTimestamp, ts)
		req.Header.Set(auth.HeaderInternalAuthSignature, sig)
		return req
	}

	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, signed(http.MethodGet, "/results-requests/anything", "viewer"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, signed(http.MethodPost, "/results-requests/anything/runs", "viewer"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, signed(http.MethodPost, "/data-repositories", "editor"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
