package pceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"pce/internal/apperrors"
	"pce/pkg/backoff"
	"pce/pkg/circuitbreaker"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxResponseSize = 4 << 20

// NewHTTPClient returns an http.Client with standard transport settings.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from a reachable PCE.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("pce returned HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("pce returned HTTP %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 answer from the PCE.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// ErrMalformedResponse marks a PCE answer that could not be understood: a
// 2xx body that is not a status envelope, missing data, or an unknown state.
var ErrMalformedResponse = errors.New("malformed pce response")

// IsUnreachable reports whether err is a reconciliation failure: the PCE
// could not be contacted or its answer could not be used.
func IsUnreachable(err error) bool {
	return errors.Is(err, apperrors.ErrUnavailable)
}

// IsDegraded reports whether the PCE answered but the answer was unusable.
func IsDegraded(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}

// degraded wraps cause as a reconciliation failure of op.
func degraded(op string, cause error) error {
	return apperrors.Unavailable(op, fmt.Errorf("%w: %w", ErrMalformedResponse, cause))
}

type envelope struct {
	StatusCode    int             `json:"status_code"`
	StatusMessage string          `json:"status_message"`
	Reason        string          `json:"reason"`
	Data          json.RawMessage `json:"data"`
}

// transport sends JSON requests to PCEs with bounded retries and a
// circuit breaker per PCE.
type transport struct {
	client   *http.Client
	retries  int
	backoff  *backoff.Config
	breakers *circuitbreaker.Registry
}

func retryable(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// do calls method path on pce and decodes the response data into out.
// Transport failures and gateway errors are retried; once retries are
// exhausted the breaker records a failure and ErrUnavailable is returned.
// A 2xx answer without a usable envelope fails at once as degraded.
func (t *transport) do(ctx context.Context, pce PCE, method, path string, body, out any) error {
	op := method + " " + path
	log := slog.With("component", "pceclient", "pceId", pce.ID, "op", op)
	breaker := t.breakers.Get(strconv.Itoa(pce.ID))
	if !breaker.Allow() {
		return apperrors.Unavailable(op, fmt.Errorf("circuit open for pce %d", pce.ID))
	}
	fail := func(err error) error {
		if breaker.RecordFailure() == circuitbreaker.Open {
			log.Warn("Circuit open", "error", err)
		}
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	url := strings.TrimRight(pce.BaseURL, "/") + path

	var lastErr error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if attempt > 1 {
			if err := backoff.Wait(ctx, attempt-1, t.backoff); err != nil {
				return fail(apperrors.Unavailable(op, err))
			}
		}

		resp, err := t.send(ctx, method, url, payload)
		if err != nil {
			lastErr = err
			continue
		}
		if retryable(resp.status) {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.status, resp.env.StatusMessage)
			continue
		}

		if resp.status < 200 || resp.status >= 300 {
			breaker.RecordSuccess()
			return &APIError{StatusCode: resp.status, Reason: resp.env.Reason, Message: resp.env.StatusMessage}
		}
		if resp.decodeErr != nil {
			return fail(degraded(op, resp.decodeErr))
		}
		if out != nil {
			if len(resp.env.Data) == 0 || string(resp.env.Data) == "null" {
				return fail(degraded(op, errors.New("response has no data")))
			}
			if err := json.Unmarshal(resp.env.Data, out); err != nil {
				return fail(degraded(op, err))
			}
		}
		breaker.RecordSuccess()
		return nil
	}

	return fail(apperrors.Unavailable(op, lastErr))
}

type response struct {
	status    int
	env       envelope
	decodeErr error
}

func (t *transport) send(ctx context.Context, method, url string, payload []byte) (response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	httpResp, err := t.client.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	resp := response{status: httpResp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxResponseSize)).Decode(&resp.env); err != nil {
		resp.env = envelope{StatusMessage: http.StatusText(httpResp.StatusCode)}
		resp.decodeErr = fmt.Errorf("decode envelope: %w", err)
	}
	return resp, nil
}
