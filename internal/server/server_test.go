package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/patternd/internal/auth"
	"github.com/ashita-ai/patternd/internal/consume"
	"github.com/ashita-ai/patternd/internal/detect"
	"github.com/ashita-ai/patternd/internal/jobs"
	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/ratelimit"
	"github.com/ashita-ai/patternd/internal/snapshot"
	"github.com/ashita-ai/patternd/internal/storage"
	"github.com/ashita-ai/patternd/internal/storage/sqlite"
	"github.com/ashita-ai/patternd/internal/storage/storagetest"
	"github.com/ashita-ai/patternd/internal/testutil"
)

type testEnv struct {
	handler  http.Handler
	store    *sqlite.Store
	recorder *snapshot.Recorder
	jwt      *auth.JWTManager
	clock    *storagetest.Clock
	tenant   uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()
	clock := storagetest.NewClock(storagetest.Epoch)

	store, err := sqlite.Open(ctx, ":memory:", storage.WithClock(clock.Now), storage.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(ctx) })

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	reader := consume.NewReader(store, logger, consume.WithClock(clock.Now))
	t.Cleanup(reader.Close)

	recorder := snapshot.NewRecorder(store, logger, 100, time.Minute, snapshot.WithClock(clock.Now))

	cfg := jobs.DefaultConfig()
	cfg.Now = clock.Now
	runner := jobs.NewRunner(store, detect.All(store, detect.DefaultParams(), logger), logger, cfg).
		WithInvalidator(reader)

	limiter := ratelimit.PerMinute(1)
	t.Cleanup(func() { _ = limiter.Close() })

	srv := New(ServerConfig{
		Store:           store,
		JWTMgr:          jwtMgr,
		Reader:          reader,
		Recorder:        recorder,
		Runner:          runner,
		Logger:          logger,
		BackfillLimiter: limiter,
		Version:         "test",
	})

	return &testEnv{
		handler:  srv.Handler(),
		store:    store,
		recorder: recorder,
		jwt:      jwtMgr,
		clock:    clock,
		tenant:   uuid.New(),
	}
}

func (e *testEnv) token(t *testing.T, role model.Role, tenant *uuid.UUID) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken(auth.Grant{Subject: "test-" + string(role), Role: role, TenantID: tenant})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedWho(t *testing.T, confidence float64) {
	t.Helper()
	_, err := e.store.UpsertPattern(context.Background(), model.PatternWrite{
		TenantID: e.tenant, Type: model.PatternWho, Payload: storagetest.WhoPayload(0.4),
		SampleSize: 80, Confidence: confidence, ComputedAt: e.clock.Now(),
	})
	require.NoError(t, err)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	var env struct {
		Data json.RawMessage    `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, into))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h model.HealthResponse
	decodeData(t, rec, &h)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Store)
	assert.Equal(t, "ok", h.SnapshotStatus)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRequestIDPropagation(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	var env model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "req-123", env.Meta.RequestID)

	rec = e.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "a request ID is generated when absent")
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	path := "/v1/tenants/" + e.tenant.String() + "/patterns"

	rec := e.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, rec))

	rec = e.do(t, http.MethodGet, path, "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Basic abc")
	raw := httptest.NewRecorder()
	e.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnauthorized, raw.Code)
}

func TestRoleEnforcement(t *testing.T) {
	e := newTestEnv(t)
	tenant := e.tenant
	base := "/v1/tenants/" + tenant.String()
	reader := e.token(t, model.RoleReader, &tenant)
	engine := e.token(t, model.RoleEngine, &tenant)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"reader cannot submit snapshots", http.MethodPost, base + "/snapshots", reader, http.StatusForbidden},
		{"engine cannot backfill", http.MethodPost, base + "/backfill", engine, http.StatusForbidden},
		{"reader cannot check pattern health", http.MethodGet, "/v1/pattern-health", reader, http.StatusForbidden},
		{"engine may read patterns", http.MethodGet, base + "/patterns", engine, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestTenantScope(t *testing.T) {
	e := newTestEnv(t)
	other := uuid.New()
	tok := e.token(t, model.RoleReader, &other)

	rec := e.do(t, http.MethodGet, "/v1/tenants/"+e.tenant.String()+"/patterns", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ErrCodeForbidden, errorCode(t, rec))

	op := e.token(t, model.RoleOperator, nil)
	rec = e.do(t, http.MethodGet, "/v1/tenants/"+e.tenant.String()+"/patterns", op, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "operators span tenants")

	rec = e.do(t, http.MethodGet, "/v1/tenants/not-a-uuid/patterns", op, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotIntake(t *testing.T) {
	e := newTestEnv(t)
	tenant := e.tenant
	tok := e.token(t, model.RoleEngine, &tenant)
	path := "/v1/tenants/" + tenant.String() + "/snapshots"

	rec := e.do(t, http.MethodPost, path, tok, model.SnapshotRequest{TouchID: uuid.New(), Features: storagetest.Features()})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 1, e.recorder.Len())

	bad := storagetest.Features()
	bad.HourOfDay = 31
	rec = e.do(t, http.MethodPost, path, tok, []model.SnapshotRequest{
		{TouchID: uuid.New(), Features: storagetest.Features()},
		{TouchID: uuid.New(), Features: bad},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var out map[string]int
	decodeData(t, rec, &out)
	assert.Equal(t, 2, out["accepted"])
	assert.Equal(t, 2, e.recorder.Len())
	assert.Equal(t, int64(1), e.recorder.Rejected(), "malformed features are absorbed by the recorder")

	rec = e.do(t, http.MethodPost, path, tok, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatternInspection(t *testing.T) {
	e := newTestEnv(t)
	tenant := e.tenant
	tok := e.token(t, model.RoleReader, &tenant)
	base := "/v1/tenants/" + tenant.String() + "/patterns"

	rec := e.do(t, http.MethodGet, base, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty []model.PatternSummary
	decodeData(t, rec, &empty)
	assert.Empty(t, empty)

	rec = e.do(t, http.MethodGet, base+"/who", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	e.seedWho(t, 0.8)
	e.clock.Advance(time.Hour)
	e.seedWho(t, 0.85)

	rec = e.do(t, http.MethodGet, base+"/who", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Type       model.PatternType `json:"pattern_type"`
		Confidence float64           `json:"confidence"`
		SampleSize int               `json:"sample_size"`
	}
	decodeData(t, rec, &summary)
	assert.Equal(t, model.PatternWho, summary.Type)
	assert.InDelta(t, 0.85, summary.Confidence, 1e-9)
	assert.Equal(t, 80, summary.SampleSize)

	rec = e.do(t, http.MethodGet, base+"/who/history?limit=10", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Entries []model.PatternHistoryEntry `json:"entries"`
		Root    string                      `json:"root"`
	}
	decodeData(t, rec, &hist)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, storage.HistoryRoot(hist.Entries), hist.Root)

	rec = e.do(t, http.MethodGet, base+"/who/history?limit=-1", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, base+"/why", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEffectiveValues(t *testing.T) {
	e := newTestEnv(t)
	tenant := e.tenant
	tok := e.token(t, model.RoleReader, &tenant)
	base := "/v1/tenants/" + tenant.String() + "/effective/"
	e.seedWho(t, 0.8)

	type effective struct {
		Type       model.PatternType `json:"pattern_type"`
		Source     string            `json:"source"`
		Confidence float64           `json:"confidence"`
	}

	rec := e.do(t, http.MethodPost, base+"who", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var eff effective
	decodeData(t, rec, &eff)
	assert.Equal(t, consume.SourceLearned, eff.Source)
	assert.InDelta(t, 0.8, eff.Confidence, 1e-9)

	rec = e.do(t, http.MethodPost, base+"when", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	eff = effective{}
	decodeData(t, rec, &eff)
	assert.Equal(t, consume.SourceDefault, eff.Source)
	assert.Zero(t, eff.Confidence)

	rec = e.do(t, http.MethodPost, base+"when", tok, `{"schema_version": "x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEffectiveBelowThresholdUsesDefaults(t *testing.T) {
	e := newTestEnv(t)
	tenant := e.tenant
	tok := e.token(t, model.RoleReader, &tenant)
	e.seedWho(t, 0.1)

	rec := e.do(t, http.MethodPost, "/v1/tenants/"+tenant.String()+"/effective/who", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var eff struct {
		Source string `json:"source"`
	}
	decodeData(t, rec, &eff)
	assert.Equal(t, consume.SourceDefault, eff.Source)
}

func TestBackfill(t *testing.T) {
	e := newTestEnv(t)
	tenant := e.tenant
	op := e.token(t, model.RoleOperator, nil)
	path := "/v1/tenants/" + tenant.String() + "/backfill"

	since := storagetest.Epoch.Add(48 * time.Hour)
	rec := e.do(t, http.MethodPost, path, op, model.BackfillRequest{Since: &since})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a window starting after now is empty")

	other := uuid.New()
	rec = e.do(t, http.MethodPost, "/v1/tenants/"+other.String()+"/backfill", op, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report jobs.TenantReport
	decodeData(t, rec, &report)
	assert.Equal(t, other, report.TenantID)
	require.Len(t, report.Outcomes, 4)
	for _, o := range report.Outcomes {
		assert.True(t, o.Insufficient, "no touches means insufficient data for %s", o.Type)
		assert.Empty(t, o.Error)
	}

	rec = e.do(t, http.MethodPost, "/v1/tenants/"+other.String()+"/backfill", op, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = e.do(t, http.MethodPost, "/v1/tenants/"+uuid.NewString()+"/backfill", op, `{"since": "yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatternHealth(t *testing.T) {
	e := newTestEnv(t)
	e.seedWho(t, 0.8)
	op := e.token(t, model.RoleOperator, nil)

	rec := e.do(t, http.MethodGet, "/v1/pattern-health?horizon=1h", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report jobs.HealthReport
	decodeData(t, rec, &report)
	assert.Zero(t, report.Expiring)

	e.clock.Advance(storage.DefaultValidityWindow - time.Hour)
	rec = e.do(t, http.MethodGet, "/v1/pattern-health?horizon=2h", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report = jobs.HealthReport{}
	decodeData(t, rec, &report)
	assert.Equal(t, 1, report.Expiring)
	require.Len(t, report.Tenants, 1)
	assert.Equal(t, e.tenant, report.Tenants[0].TenantID)

	rec = e.do(t, http.MethodGet, "/v1/pattern-health?horizon=soon", op, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
}

func TestRequestBodyLimit(t *testing.T) {
	e := newTestEnv(t)
	tenant := e.tenant
	tok := e.token(t, model.RoleEngine, &tenant)
	huge := `[` + string(bytes.Repeat([]byte(`{"touch_id":"00000000-0000-0000-0000-000000000000"},`), 30000)) + `{}]`

	rec := e.do(t, http.MethodPost, "/v1/tenants/"+tenant.String()+"/snapshots", tok, huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
