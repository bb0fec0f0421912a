package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

// newTestServer builds a server around a disconnected engine. Good enough
// for everything that fails before the first store access.
func newTestServer(t *testing.T, authEnabled bool) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Versions = []string{"v2", "v3"}
	cfg.Auth.Enabled = authEnabled
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AdminUser = "svcjobmon"
	return NewServer(cfg, engine.New(nil, nil), nil, nil)
}

func TestClassifyErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"invalid transition", fsm.NewTaskTransitionError(7, fsm.TaskDone, fsm.TaskRunning), http.StatusBadRequest, kindInvalidTransition},
		{"not found", common.NewNotFoundError("workflow", 42), http.StatusNotFound, kindNotFound},
		{"conflict", common.NewConflictError("row lock timeout", nil), http.StatusServiceUnavailable, kindConflict},
		{"schema violation", common.NewSchemaViolationError("bad body"), http.StatusBadRequest, kindSchemaViolation},
		{"unauthenticated", fmt.Errorf("no token: %w", common.ErrUnauthenticated), http.StatusUnauthorized, kindUnauthenticated},
		{"authorization denied", fmt.Errorf("not owner: %w", common.ErrAuthorizationDenied), http.StatusForbidden, kindAuthorizationDenied},
		{"integration", fmt.Errorf("sbatch: %w", common.ErrIntegration), http.StatusInternalServerError, kindIntegration},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, kindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestHTTPErrorHandlerRendersErrorBody(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v3/workflow/1", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	s.httpErrorHandler(common.NewNotFoundError("workflow", 1), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, kindNotFound, body.ErrorKind)
	assert.Contains(t, body.Detail, "workflow 1")
}

func TestHTTPErrorHandlerEchoErrors(t *testing.T) {
	s := newTestServer(t, false)

	// A route miss carries echo's own 404.
	req := httptest.NewRequest(http.MethodGet, "/api/v3/nope", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	s.httpErrorHandler(echo.NewHTTPError(http.StatusNotFound, "Not Found"), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, kindNotFound, body.ErrorKind)

	// The jwt middleware's 401 maps onto the unauthenticated kind.
	rec = httptest.NewRecorder()
	c = s.echo.NewContext(req, rec)
	s.httpErrorHandler(echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed jwt"), c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, kindUnauthenticated, body.ErrorKind)
}

func TestHTTPErrorHandlerAbsorbsClientDisconnect(t *testing.T) {
	s := newTestServer(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v3/task_instance/1/log_done", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	s.httpErrorHandler(context.Canceled, c)

	assert.Equal(t, 499, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestVersionedRouteTable(t *testing.T) {
	s := newTestServer(t, false)

	type route struct{ method, path string }
	want := []route{
		{http.MethodPost, "/array/:array_id/queue_task_batch"},
		{http.MethodPost, "/array/:array_id/transition_to_launched"},
		{http.MethodPost, "/array/:array_id/transition_to_killed"},
		{http.MethodPost, "/task_instance/instantiate_task_instances"},
		{http.MethodPost, "/task_instance/:task_instance_id/log_running"},
		{http.MethodPost, "/task_instance/:task_instance_id/log_done"},
		{http.MethodPost, "/task_instance/:task_instance_id/log_heartbeat"},
		{http.MethodPost, "/task_instance/:task_instance_id/log_known_error"},
		{http.MethodPost, "/task_instance/:task_instance_id/log_unknown_error"},
		{http.MethodPost, "/task_instance/:task_instance_id/log_no_distributor_id"},
		{http.MethodPost, "/task_instance/:task_instance_id/log_distributor_id"},
		{http.MethodPost, "/task_instance/:task_instance_id/log_error_worker_node"},
		{http.MethodPost, "/workflow/:workflow_id/set_resume_state"},
		{http.MethodPut, "/workflow/:workflow_id/update_max_concurrently_running"},
		{http.MethodPut, "/workflow/:workflow_id/update_array_max_concurrently_running"},
		{http.MethodGet, "/get_max_concurrently_running"},
		{http.MethodGet, "/workflow/:workflow_id/task_template_dag"},
		{http.MethodGet, "/task_template/:task_template_version_id/resource_usage"},
	}

	registered := make(map[route]bool)
	for _, r := range s.echo.Routes() {
		registered[route{r.Method, r.Path}] = true
	}

	// Every version serves the full table; the kill sweep must work against
	// both the version a client targets and the compatibility one.
	for _, version := range []string{"v2", "v3"} {
		for _, r := range want {
			full := route{r.method, "/api/" + version + r.path}
			assert.True(t, registered[full], "missing %s %s", full.method, full.path)
		}
	}
}

func TestParamIDRejectsGarbage(t *testing.T) {
	s := newTestServer(t, false)

	for _, raw := range []string{"abc", "-3", "0", "1.5", ""} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := s.echo.NewContext(req, rec)
		c.SetParamNames("task_id")
		c.SetParamValues(raw)

		_, err := paramID(c, "task_id")
		require.ErrorIs(t, err, common.ErrSchemaViolation, "raw=%q", raw)
	}
}
