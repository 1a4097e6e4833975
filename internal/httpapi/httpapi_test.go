package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/executor"
	"github.com/basket/go-claw/internal/runservice"
	"github.com/basket/go-claw/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *runservice.Service) {
	t.Helper()
	eventBus := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"), eventBus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := runservice.New(st, eventBus, executor.EchoExecutor{}, nil)
	srv := New(Config{Store: st, Bus: eventBus, Runs: svc, Tasks: nil})
	return srv, st, svc
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestHealthz_ReportsOK(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var payload map[string]any
	decodeBody(t, rec, &payload)
	require.Equal(t, true, payload["healthy"])
}

func TestDoctor_ReturnsDiagnosisWithDatabasePass(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/doctor", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var payload map[string]any
	decodeBody(t, rec, &payload)
	results, ok := payload["results"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, results)

	foundDatabase := false
	for _, r := range results {
		entry := r.(map[string]any)
		if entry["name"] == "Database" {
			foundDatabase = true
			require.Equal(t, "PASS", entry["status"])
		}
	}
	require.True(t, foundDatabase)
}

func TestCreateRun_MinimalPayload(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/runs", jsonBody(t, runCreateRequest{
		Source:       "api",
		ThreadKey:    "cli:default",
		DeliveryMode: store.DeliveryModeFollowUp,
		InputText:    "hello",
	}))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 201, rec.Code)

	var got runResponse
	decodeBody(t, rec, &got)
	require.NotEmpty(t, got.RunID)
	require.Equal(t, "cli:default", got.ThreadKey)
}

func TestCreateRun_MissingFieldsRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/runs", jsonBody(t, runCreateRequest{InputText: "hello"}))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	require.Equal(t, codeInvalidRunPayload, body.Error.Code)
}

func TestGetRun_UnknownIDReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/runs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestCreateThenGetRun_RoundTrips(t *testing.T) {
	srv, _, _ := newTestServer(t)

	createReq := httptest.NewRequest("POST", "/v1/runs", jsonBody(t, runCreateRequest{
		Source:       "api",
		ThreadKey:    "cli:default",
		DeliveryMode: store.DeliveryModeFollowUp,
		InputText:    "hello",
	}))
	createRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(createRec, createReq)
	var created runResponse
	decodeBody(t, createRec, &created)

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest("GET", "/v1/runs/"+created.RunID, nil)
		getRec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(getRec, getReq)
		if getRec.Code != 200 {
			return false
		}
		var got runResponse
		decodeBody(t, getRec, &got)
		return got.Status == store.RunStatusSucceeded
	}, time.Second, 5*time.Millisecond)
}

func TestTaskCRUD_CreateGetPatchDelete(t *testing.T) {
	srv, _, _ := newTestServer(t)

	createReq := httptest.NewRequest("POST", "/v1/tasks", jsonBody(t, taskRequest{
		Title:            "daily digest",
		Instructions:     "summarize inbox",
		ScheduleKind:     store.ScheduleKindCron,
		CronExpr:         "0 9 * * *",
		Timezone:         "UTC",
		CreatorThreadKey: "cli:default",
	}))
	createRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(createRec, createReq)
	require.Equal(t, 201, createRec.Code)
	var created taskResponse
	decodeBody(t, createRec, &created)
	require.True(t, created.Enabled)

	getReq := httptest.NewRequest("GET", "/v1/tasks/"+created.TaskID, nil)
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, getReq)
	require.Equal(t, 200, getRec.Code)

	disabled := false
	patchReq := httptest.NewRequest("PATCH", "/v1/tasks/"+created.TaskID, jsonBody(t, taskRequest{Enabled: &disabled}))
	patchRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(patchRec, patchReq)
	require.Equal(t, 200, patchRec.Code)
	var patched taskResponse
	decodeBody(t, patchRec, &patched)
	require.False(t, patched.Enabled)

	deleteReq := httptest.NewRequest("DELETE", "/v1/tasks/"+created.TaskID, nil)
	deleteRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(deleteRec, deleteReq)
	require.Equal(t, 204, deleteRec.Code)

	getAgainReq := httptest.NewRequest("GET", "/v1/tasks/"+created.TaskID, nil)
	getAgainRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getAgainRec, getAgainReq)
	require.Equal(t, 404, getAgainRec.Code)
}

func TestListTasks_FiltersByThreadAndState(t *testing.T) {
	srv, _, _ := newTestServer(t)

	mk := func(thread string, enabled bool) {
		req := httptest.NewRequest("POST", "/v1/tasks", jsonBody(t, taskRequest{
			Title:            "t",
			Instructions:     "i",
			ScheduleKind:     store.ScheduleKindOnce,
			CreatorThreadKey: thread,
			Enabled:          &enabled,
		}))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, 201, rec.Code)
	}
	mk("cli:a", true)
	mk("cli:a", false)
	mk("cli:b", true)

	req := httptest.NewRequest("GET", "/v1/tasks?thread_key=cli:a&state=enabled", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var body struct {
		Tasks []taskResponse `json:"tasks"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Tasks, 1)
	require.Equal(t, "cli:a", body.Tasks[0].CreatorThreadKey)
}

func TestCancelThread_NoActiveRunIsANoop(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/v1/threads/cli:default/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, false, body["cancelled"])
}

func TestResetThreadSession_DeletesBoundSession(t *testing.T) {
	srv, st, _ := newTestServer(t)
	require.NoError(t, st.UpsertThreadSession(context.Background(), "cli:default", "sess-1", "/tmp/sess-1"))

	req := httptest.NewRequest("DELETE", "/v1/threads/cli:default/session", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 204, rec.Code)

	_, err := st.GetThreadSession(context.Background(), "cli:default")
	require.ErrorIs(t, err, store.ErrThreadSessionNotFound)
}

func TestShareThread_UnknownSessionReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/threads/cli:default/share", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}
