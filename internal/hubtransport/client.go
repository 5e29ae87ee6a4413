// Package hubtransport talks to the Apitally Hub: it builds endpoint
// URLs, classifies Hub responses into success/terminal/transient, and
// POSTs JSON and pre-compressed log payloads with bounded retry.
package hubtransport

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/apitally/apitally-go/internal/agentlog"
	"github.com/apitally/apitally-go/internal/backoff"
	"github.com/apitally/apitally-go/internal/errkit"
)

const defaultBaseURL = "https://hub.apitally.io"

// Outcome classifies a Hub response for the caller's retry/stop logic.
type Outcome int

const (
	// OutcomeSuccess means the payload was accepted; 2xx.
	OutcomeSuccess Outcome = iota
	// OutcomeTerminalUnknownClient means HTTP 404: the client id is
	// not recognized by the Hub. The caller should stop its scheduler.
	OutcomeTerminalUnknownClient
	// OutcomeSchemaRejected means HTTP 422: the payload itself is
	// invalid and must be dropped, not retried.
	OutcomeSchemaRejected
	// OutcomeTransient means a retryable condition (408/429/5xx or a
	// network error) that in-transport retry already exhausted; the
	// caller should re-queue the payload for the next tick.
	OutcomeTransient
	// OutcomeSuspendLogging means HTTP 402, whatever the endpoint; the
	// header is not inspected here (see RetryAfterSeconds).
	OutcomeSuspendLogging
)

var logger = agentlog.Component("hubtransport")

// Client issues Hub requests for one (clientId, env) pair.
type Client struct {
	BaseURL  string
	ClientID string
	Env      string
	HTTP     *SaferClient
	Retry    backoff.Policy
}

// New builds a Client. baseURL, if empty, defaults to the public Hub.
func New(baseURL, clientID, env string, httpClient *SaferClient) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		BaseURL:  baseURL,
		ClientID: clientID,
		Env:      env,
		HTTP:     httpClient,
		Retry: backoff.Policy{
			MaxRetries:  3,
			Delay:       time.Second,
			IsRetryable: isRetryableError,
		},
	}
}

// Endpoint builds <base>/v2/<clientId>/<env>/<name>.
func (c *Client) Endpoint(name string) string {
	return c.BaseURL + "/v2/" + c.ClientID + "/" + c.Env + "/" + name
}

// retryableError wraps a response-derived condition (status code) the
// retry policy should treat as transient.
type retryableError struct {
	statusCode int
}

func (e *retryableError) Error() string {
	return "retryable Hub status " + strconv.Itoa(e.statusCode)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	if errkit.As(err, &re) {
		return true
	}
	// Any other transport-level error (DNS, connection refused, etc)
	// is treated as a network error and retried.
	return true
}

// PostJSON sends body as a JSON POST to endpoint, with in-transport
// retry on transient failures, and returns the classified Outcome.
// resp is the last response received when Outcome is anything but a
// pure transport failure.
func (c *Client) PostJSON(ctx context.Context, endpoint string, body []byte) (Outcome, *http.Response, error) {
	var lastResp *http.Response

	err := c.Retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return errkit.Wrap(err, "building Hub request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		lastResp = resp

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if isRetryableStatus(resp.StatusCode) {
			return &retryableError{statusCode: resp.StatusCode}
		}
		return nil
	})

	if err != nil {
		var re *retryableError
		if errkit.As(err, &re) {
			logger.Warnw("Hub POST exhausted retries", "endpoint", endpoint, "status", re.statusCode)
			return OutcomeTransient, lastResp, nil
		}
		logger.Warnw("Hub POST failed", "endpoint", endpoint, "error", err)
		return OutcomeTransient, lastResp, err
	}

	return classify(lastResp), lastResp, nil
}

// PostCompressed sends a pre-compressed (gzip) body to endpoint, used
// for log file uploads, with the same retry/classification behavior
// as PostJSON but without a JSON content type.
func (c *Client) PostCompressed(ctx context.Context, endpoint string, body []byte) (Outcome, *http.Response, error) {
	var lastResp *http.Response

	err := c.Retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return errkit.Wrap(err, "building Hub request")
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Encoding", "gzip")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		lastResp = resp

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if isRetryableStatus(resp.StatusCode) {
			return &retryableError{statusCode: resp.StatusCode}
		}
		return nil
	})

	if err != nil {
		var re *retryableError
		if errkit.As(err, &re) {
			return OutcomeTransient, lastResp, nil
		}
		return OutcomeTransient, lastResp, err
	}

	return classify(lastResp), lastResp, nil
}

func classify(resp *http.Response) Outcome {
	if resp == nil {
		return OutcomeTransient
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeSuccess
	case resp.StatusCode == http.StatusNotFound:
		return OutcomeTerminalUnknownClient
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return OutcomeSchemaRejected
	case resp.StatusCode == http.StatusPaymentRequired:
		return OutcomeSuspendLogging
	default:
		return OutcomeTransient
	}
}

// RetryAfterSeconds parses the Retry-After header as an integer
// seconds count, per the Hub's contract (no HTTP-date form). Returns
// 0, false if absent or unparsable.
func RetryAfterSeconds(resp *http.Response) (int, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
