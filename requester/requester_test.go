package requester

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

func TestDoRetriesConflictThenSucceeds(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"error_kind": "conflict",
				"detail":     "row lock timeout",
			})
			return
		}
		assert.Equal(t, "/api/v3/task_instance/9/log_heartbeat", r.URL.Path)
		json.NewEncoder(w).Encode(engine.InstanceSnapshot{
			TaskInstanceID: 9,
			Status:         fsm.InstanceRunning,
		})
	}))
	defer ts.Close()

	r := New(ts.URL, "v3", "", 5*time.Second)
	snapshot, err := r.LogHeartbeat(context.Background(), 9, 60)
	require.NoError(t, err)
	assert.Equal(t, fsm.InstanceRunning, snapshot.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error_kind": "conflict", "detail": "still locked"})
	}))
	defer ts.Close()

	r := New(ts.URL, "v3", "", 5*time.Second)
	_, err := r.LogHeartbeat(context.Background(), 9, 60)
	require.ErrorIs(t, err, common.ErrConflict)
	assert.Equal(t, int32(DefaultMaxRetries+1), atomic.LoadInt32(&calls))
}

func TestDoDoesNotRetryCallerMistakes(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error_kind": "invalid_transition",
			"detail":     "task_instance 9 cannot transition from D to E",
		})
	}))
	defer ts.Close()

	r := New(ts.URL, "v3", "", 5*time.Second)
	_, err := r.LogKnownError(context.Background(), 9, engine.ErrorReport{Description: "late"})
	require.ErrorIs(t, err, fsm.ErrInvalidTransition)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestErrorKindsRoundTrip(t *testing.T) {
	tests := []struct {
		kind   string
		status int
		want   error
	}{
		{"not_found", http.StatusNotFound, common.ErrNotFound},
		{"conflict", http.StatusServiceUnavailable, common.ErrConflict},
		{"unauthenticated", http.StatusUnauthorized, common.ErrUnauthenticated},
		{"authorization_denied", http.StatusForbidden, common.ErrAuthorizationDenied},
		{"schema_violation", http.StatusBadRequest, common.ErrSchemaViolation},
		{"integration_error", http.StatusInternalServerError, common.ErrIntegration},
		{"invalid_transition", http.StatusBadRequest, fsm.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			raw, _ := json.Marshal(errorBody{ErrorKind: tt.kind, Detail: "detail"})
			err := decodeError(tt.status, raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("UnstructuredBody", func(t *testing.T) {
		err := decodeError(http.StatusBadGateway, []byte("<html>bad gateway</html>"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestDoSendsBearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	r := New(ts.URL, "v3", "secret-token", time.Second)
	require.NoError(t, r.Do(context.Background(), http.MethodGet, "/task/1", nil, nil))
}

func TestDoHonorsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer ts.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := New(ts.URL, "v3", "", 10*time.Second)
	err := r.Do(ctx, http.MethodGet, "/task/1", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestBackoffStaysUnderCap(t *testing.T) {
	for n := 0; n < 10; n++ {
		for i := 0; i < 50; i++ {
			d := backoff(n)
			assert.Greater(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, retryMaxDelay)
		}
	}
}
