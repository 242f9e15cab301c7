package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"

	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

// supportedAPIMajor is the wire protocol major version this build speaks.
const supportedAPIMajor = 1

// Client abstracts the inference transport so runs can be driven by the
// HTTP adapter, a recorded cache, or a test double.
type Client interface {
	// Act requests one decision. CallInfo is always returned, also on error.
	Act(ctx context.Context, request *ActRequest) (*ActResponse, CallInfo, error)
	// ActBatch requests decisions for a contiguous window of bars.
	ActBatch(ctx context.Context, request *BatchRequest) ([]ActResponse, CallInfo, error)
}

// Config is the agent transport configuration.
type Config struct {
	URL            string
	TimeoutMs      uint64
	Retries        uint
	APIVersion     string
	FeatureVersion string
}

// HTTPClient is the production transport: JSON over HTTP POST with a
// bounded per-attempt timeout and constant-interval retries on
// timeout/transport failures.
type HTTPClient struct {
	config Config
	client *http.Client
}

// NewHTTPClient builds the transport and gates the configured API
// version against the protocol major this build supports.
func NewHTTPClient(config Config) (*HTTPClient, error) {
	version, err := semver.NewVersion(strings.TrimPrefix(config.APIVersion, "v"))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeAgentVersion, err, "invalid agent api_version %q", config.APIVersion)
	}

	if version.Major() != supportedAPIMajor {
		return nil, errors.Newf(errors.ErrCodeAgentVersion,
			"unsupported agent api_version %q: this build speaks v%d", config.APIVersion, supportedAPIMajor)
	}

	return &HTTPClient{
		config: config,
		client: &http.Client{
			Timeout: time.Duration(config.TimeoutMs) * time.Millisecond,
		},
	}, nil
}

// Act implements Client.
func (c *HTTPClient) Act(ctx context.Context, request *ActRequest) (*ActResponse, CallInfo, error) {
	var response ActResponse

	info, err := c.post(ctx, "/v1/act", request, &response)
	if err != nil {
		return nil, info, err
	}

	if err := response.Validate(); err != nil {
		info.Error = err.Error()

		return nil, info, err
	}

	return &response, info, nil
}

// ActBatch implements Client.
func (c *HTTPClient) ActBatch(ctx context.Context, request *BatchRequest) ([]ActResponse, CallInfo, error) {
	var response BatchResponse

	info, err := c.post(ctx, "/v1/act_batch", request, &response)
	if err != nil {
		return nil, info, err
	}

	if len(response.Responses) != len(request.Requests) {
		err := errors.Newf(errors.ErrCodeAgentProtocol,
			"act_batch returned %d responses for %d requests", len(response.Responses), len(request.Requests))
		info.Error = err.Error()

		return nil, info, err
	}

	for i := range response.Responses {
		if err := response.Responses[i].Validate(); err != nil {
			info.Error = err.Error()

			return nil, info, err
		}
	}

	return response.Responses, info, nil
}

// post runs one logical call: up to 1+Retries attempts, each bounded by
// TimeoutMs. Only timeout and transport failures are retried; protocol
// and rejection errors are permanent.
func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) (CallInfo, error) {
	endpoint := strings.TrimSuffix(c.config.URL, "/") + path

	payload, err := json.Marshal(body)
	if err != nil {
		return CallInfo{}, errors.Wrap(errors.ErrCodeAgentProtocol, "failed to encode agent request", err)
	}

	start := time.Now()
	info := CallInfo{}

	attempt := func() error {
		info.Attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(c.config.TimeoutMs)*time.Millisecond)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(errors.Wrap(errors.ErrCodeAgentTransport, "failed to build agent request", err))
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return classifyTransportError(err)
		}
		defer resp.Body.Close()

		info.Status = resp.StatusCode

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(errors.Wrap(errors.ErrCodeAgentProtocol, "failed to parse agent response", err))
			}

			return nil
		case resp.StatusCode >= 500:
			// Server errors are treated like transport failures and retried.
			io.Copy(io.Discard, resp.Body)

			return errors.Newf(errors.ErrCodeAgentTransport, "agent returned status %d", resp.StatusCode)
		default:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

			return backoff.Permanent(errors.Newf(errors.ErrCodeAgentRejected,
				"agent rejected request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(0), uint64(c.config.Retries)),
		ctx,
	)

	err = backoff.Retry(attempt, policy)
	info.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		info.Error = err.Error()

		return info, err
	}

	return info, nil
}

// classifyTransportError distinguishes timeouts from other transport
// failures; both are retryable.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrCodeAgentTimeout, "agent request timed out", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrCodeAgentTimeout, "agent request timed out", err)
	}

	return errors.Wrap(errors.ErrCodeAgentTransport, "agent request failed", err)
}

// IsFatal reports whether an agent error must abort the run under the
// given fatal_on_protocol setting. Timeout/transport errors are never
// fatal; they are recovered via the fallback action.
func IsFatal(err error, fatalOnProtocol bool) bool {
	if err == nil {
		return false
	}

	if !fatalOnProtocol {
		return false
	}

	code := errors.GetCode(err)

	return code == errors.ErrCodeAgentProtocol || code == errors.ErrCodeAgentRejected
}
