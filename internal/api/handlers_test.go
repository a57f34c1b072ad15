package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksanyok/promopilot-sub004/internal/api"
	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
	"github.com/ksanyok/promopilot-sub004/internal/promotion"
)

type fakeRuns struct {
	startRun *domain.Run
	startOut launcher.Outcome
	startErr error
	view     *promotion.RunView
	err      error
	kickOut  launcher.Outcome

	startedFor int64
	cancelled  int64
}

func (f *fakeRuns) Start(_ context.Context, projectID int64) (*domain.Run, launcher.Outcome, error) {
	f.startedFor = projectID
	return f.startRun, f.startOut, f.startErr
}

func (f *fakeRuns) Status(_ context.Context, _ int64) (*promotion.RunView, error) {
	return f.view, f.err
}

func (f *fakeRuns) Cancel(_ context.Context, id int64) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = id
	return nil
}

func (f *fakeRuns) KickRun(_ context.Context, _ int64) (launcher.Outcome, error) {
	return f.kickOut, f.err
}

type fakeCallbacks struct {
	err     error
	started int64
	result  domain.PublicationResult
}

func (f *fakeCallbacks) MarkStarted(_ context.Context, nodeID int64) (*domain.Node, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.started = nodeID
	return &domain.Node{ID: nodeID, Status: domain.NodeRunning}, nil
}

func (f *fakeCallbacks) Complete(_ context.Context, nodeID int64, res domain.PublicationResult) (*domain.Node, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.result = res
	status := domain.NodeFailed
	if res.Success {
		status = domain.NodeSuccess
	}
	return &domain.Node{ID: nodeID, Status: status}, nil
}

func newRouter(runs api.RunService, cbs api.PublicationCallbacks, checks map[string]api.HealthCheck) *gin.Engine {
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	router := api.NewEngine(false, logger.NewNop())
	api.Routes{
		Handler:  api.NewHandler(runs, cbs, logger.NewNop()),
		Checks:   checks,
		Gatherer: reg,
	}.Register(router)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStartRun(t *testing.T) {
	runs := &fakeRuns{
		startRun: &domain.Run{ID: 7, ProjectID: 3, Status: domain.RunQueued},
		startOut: launcher.Outcome{Mode: launcher.ModeProcess},
	}
	router := newRouter(runs, &fakeCallbacks{}, nil)

	w := do(router, http.MethodPost, "/api/v1/runs", `{"project_id":3}`)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, int64(3), runs.startedFor)

	var body struct {
		Run    domain.Run       `json:"run"`
		Launch launcher.Outcome `json:"launch"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(7), body.Run.ID)
	assert.Equal(t, launcher.ModeProcess, body.Launch.Mode)
}

func TestStartRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		runs *fakeRuns
		want int
	}{
		{name: "missing body", body: "", runs: &fakeRuns{}, want: http.StatusBadRequest},
		{name: "zero project", body: `{"project_id":0}`, runs: &fakeRuns{}, want: http.StatusBadRequest},
		{
			name: "already active",
			body: `{"project_id":3}`,
			runs: &fakeRuns{
				startRun: &domain.Run{ID: 5, ProjectID: 3},
				startErr: fmt.Errorf("%w: run 5", domain.ErrRunActive),
			},
			want: http.StatusConflict,
		},
		{name: "unknown project", body: `{"project_id":3}`, runs: &fakeRuns{startErr: domain.ErrNotFound}, want: http.StatusNotFound},
		{
			name: "project without target",
			body: `{"project_id":3}`,
			runs: &fakeRuns{startErr: fmt.Errorf("%w: no target url", domain.ErrInvalidProject)},
			want: http.StatusUnprocessableEntity,
		},
		{name: "store failure", body: `{"project_id":3}`, runs: &fakeRuns{startErr: errors.New("db down")}, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(tt.runs, &fakeCallbacks{}, nil)
			w := do(router, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestStartRun_ActiveReturnsExistingRun(t *testing.T) {
	runs := &fakeRuns{
		startRun: &domain.Run{ID: 5, ProjectID: 3, Status: domain.RunStatus("level1_active")},
		startErr: fmt.Errorf("%w: run 5", domain.ErrRunActive),
	}
	router := newRouter(runs, &fakeCallbacks{}, nil)

	w := do(router, http.MethodPost, "/api/v1/runs", `{"project_id":3}`)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"id":5`)
}

func TestGetRun(t *testing.T) {
	runs := &fakeRuns{view: &promotion.RunView{
		Run:    &domain.Run{ID: 9, Status: domain.RunCompleted},
		Levels: []domain.LevelCounts{{Level: 1, Total: 2, Success: 2}},
		Crowd:  domain.CrowdCounts{Completed: 4},
	}}
	router := newRouter(runs, &fakeCallbacks{}, nil)

	w := do(router, http.MethodGet, "/api/v1/runs/9", "")

	require.Equal(t, http.StatusOK, w.Code)
	var view promotion.RunView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, int64(9), view.Run.ID)
	require.Len(t, view.Levels, 1)
	assert.Equal(t, 2, view.Levels[0].Success)
	assert.Equal(t, 4, view.Crowd.Completed)
}

func TestRunEndpoints_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		err    error
		want   int
	}{
		{name: "get bad id", method: http.MethodGet, path: "/api/v1/runs/abc", want: http.StatusBadRequest},
		{name: "get missing", method: http.MethodGet, path: "/api/v1/runs/4", err: domain.ErrNotFound, want: http.StatusNotFound},
		{name: "cancel ok", method: http.MethodPost, path: "/api/v1/runs/4/cancel", want: http.StatusOK},
		{name: "cancel negative id", method: http.MethodPost, path: "/api/v1/runs/-4/cancel", want: http.StatusBadRequest},
		{name: "cancel terminal", method: http.MethodPost, path: "/api/v1/runs/4/cancel", err: domain.ErrRunTerminal, want: http.StatusConflict},
		{name: "cancel missing", method: http.MethodPost, path: "/api/v1/runs/4/cancel", err: domain.ErrNotFound, want: http.StatusNotFound},
		{name: "kick ok", method: http.MethodPost, path: "/api/v1/runs/4/kick", want: http.StatusOK},
		{name: "kick terminal", method: http.MethodPost, path: "/api/v1/runs/4/kick", err: domain.ErrRunTerminal, want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &fakeRuns{err: tt.err, view: &promotion.RunView{Run: &domain.Run{ID: 4}}}
			router := newRouter(runs, &fakeCallbacks{}, nil)
			w := do(router, tt.method, tt.path, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCancelRun(t *testing.T) {
	runs := &fakeRuns{}
	router := newRouter(runs, &fakeCallbacks{}, nil)

	w := do(router, http.MethodPost, "/api/v1/runs/12/cancel", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(12), runs.cancelled)
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)
}

func TestKickRun_ReturnsOutcome(t *testing.T) {
	runs := &fakeRuns{kickOut: launcher.Outcome{Mode: launcher.ModeInline, Processed: 3}}
	router := newRouter(runs, &fakeCallbacks{}, nil)

	w := do(router, http.MethodPost, "/api/v1/runs/2/kick", "")

	require.Equal(t, http.StatusOK, w.Code)
	var out launcher.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, launcher.ModeInline, out.Mode)
	assert.Equal(t, 3, out.Processed)
}

func TestStartPublication(t *testing.T) {
	cbs := &fakeCallbacks{}
	router := newRouter(&fakeRuns{}, cbs, nil)

	w := do(router, http.MethodPost, "/api/v1/publications/31/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(31), cbs.started)

	router = newRouter(&fakeRuns{}, &fakeCallbacks{err: domain.ErrClaimLost}, nil)
	w = do(router, http.MethodPost, "/api/v1/publications/31/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCompletePublication(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantSuccess bool
		wantURL     string
	}{
		{
			name:        "success flag",
			body:        `{"success":true,"result_url":"https://blog.example/post"}`,
			wantSuccess: true,
			wantURL:     "https://blog.example/post",
		},
		{
			name:        "status string",
			body:        `{"status":"success","result_url":"https://blog.example/post"}`,
			wantSuccess: true,
			wantURL:     "https://blog.example/post",
		},
		{
			name:        "failure",
			body:        `{"status":"failed","error":"captcha"}`,
			wantSuccess: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cbs := &fakeCallbacks{}
			router := newRouter(&fakeRuns{}, cbs, nil)

			w := do(router, http.MethodPost, "/api/v1/publications/8/result", tt.body)

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tt.wantSuccess, cbs.result.Success)
			assert.Equal(t, tt.wantURL, cbs.result.ResultURL)
		})
	}
}

func TestCompletePublication_LateCallback(t *testing.T) {
	router := newRouter(&fakeRuns{}, &fakeCallbacks{err: domain.ErrNotFound}, nil)

	w := do(router, http.MethodPost, "/api/v1/publications/8/result", `{"success":true,"result_url":"https://x"}`)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCompletePublication_BadInput(t *testing.T) {
	router := newRouter(&fakeRuns{}, &fakeCallbacks{}, nil)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/publications/x/result", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/publications/8/result", `{not json`).Code)
}
