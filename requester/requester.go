// Package requester is the HTTP client side of the coordination API. The
// distributor, the worker runner and the CLI all talk to the server through
// it; conflict responses are retried with jittered backoff, everything else
// surfaces as the shared error kinds.
package requester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/fsm"
)

const (
	// DefaultMaxRetries bounds how often a retryable response is re-issued.
	DefaultMaxRetries = 3

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 1600 * time.Millisecond
)

// Requester issues JSON requests against one API version of a jobmon server.
type Requester struct {
	base       string
	version    string
	token      string
	client     *http.Client
	maxRetries int
	log        *logrus.Entry
}

// New builds a requester for base (scheme://host:port) targeting the given
// API version. token may be empty when the server runs with auth disabled.
func New(base, version, token string, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Requester{
		base:       base,
		version:    version,
		token:      token,
		client:     &http.Client{Timeout: timeout},
		maxRetries: DefaultMaxRetries,
		log:        common.ComponentLogger("requester"),
	}
}

// Version returns the API version this requester targets.
func (r *Requester) Version() string {
	return r.version
}

// errorBody mirrors the server's error payload.
type errorBody struct {
	ErrorKind string `json:"error_kind"`
	Detail    string `json:"detail"`
}

// Do sends one request to a versioned route, retrying retryable failures,
// and decodes a 200 response into out. route is relative to /api/{version},
// e.g. "/array/7/queue_task_batch".
func (r *Requester) Do(ctx context.Context, method, route string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}
	url := r.base + "/api/" + r.version + route

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retryable, err := r.once(ctx, method, url, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return err
		}
		r.log.WithError(err).WithField("route", route).WithField("attempt", attempt+1).
			Debug("retrying request")
	}
	return fmt.Errorf("request not accepted after %d attempts: %w", r.maxRetries+1, lastErr)
}

// once performs a single attempt. The bool reports whether the failure is
// worth retrying: transport errors and retryable statuses are, everything
// the server classified as a caller mistake is not.
func (r *Requester) once(ctx context.Context, method, url string, payload []byte, out interface{}) (bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return false, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
		return false, nil
	}

	kindErr := decodeError(resp.StatusCode, raw)
	// Conflict means a lock timeout or a concurrent writer; both clear up.
	retryable := resp.StatusCode >= 500
	return retryable, kindErr
}

// decodeError turns an error payload back into the sentinel kinds so callers
// branch with errors.Is exactly like server-side code does.
func decodeError(status int, raw []byte) error {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.ErrorKind == "" {
		return fmt.Errorf("HTTP %d: %s", status, string(raw))
	}

	switch body.ErrorKind {
	case "invalid_transition":
		return fmt.Errorf("%s: %w", body.Detail, fsm.ErrInvalidTransition)
	case "not_found":
		return fmt.Errorf("%s: %w", body.Detail, common.ErrNotFound)
	case "conflict":
		return fmt.Errorf("%s: %w", body.Detail, common.ErrConflict)
	case "unauthenticated":
		return fmt.Errorf("%s: %w", body.Detail, common.ErrUnauthenticated)
	case "authorization_denied":
		return fmt.Errorf("%s: %w", body.Detail, common.ErrAuthorizationDenied)
	case "schema_violation":
		return fmt.Errorf("%s: %w", body.Detail, common.ErrSchemaViolation)
	case "integration_error":
		return fmt.Errorf("%s: %w", body.Detail, common.ErrIntegration)
	default:
		return fmt.Errorf("HTTP %d %s: %s", status, body.ErrorKind, body.Detail)
	}
}

// backoff returns the sleep before retry n: exponential with full jitter,
// capped at retryMaxDelay.
func backoff(n int) time.Duration {
	max := retryBaseDelay << uint(n)
	if max > retryMaxDelay {
		max = retryMaxDelay
	}
	return time.Duration(rand.Int63n(int64(max)) + 1)
}
