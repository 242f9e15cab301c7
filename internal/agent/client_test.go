package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/Marcux777/kairos-alloy/pkg/errors"
)

type ClientTestSuite struct {
	suite.Suite
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (suite *ClientTestSuite) newClient(url string, timeoutMs uint64, retries uint) *HTTPClient {
	client, err := NewHTTPClient(Config{
		URL:            url,
		TimeoutMs:      timeoutMs,
		Retries:        retries,
		APIVersion:     "v1",
		FeatureVersion: "v1",
	})
	suite.Require().NoError(err)

	return client
}

func (suite *ClientTestSuite) request() *ActRequest {
	return &ActRequest{
		APIVersion:     "v1",
		FeatureVersion: "v1",
		RunID:          "run-1",
		Timestamp:      "2024-01-01T00:00:00Z",
		Symbol:         "BTCUSDT",
		Timeframe:      "1min",
		Observation:    []float64{0.01, 100.5},
		PortfolioState: PortfolioState{Cash: 1000, Equity: 1000},
	}
}

func (suite *ClientTestSuite) TestActSuccess() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suite.Equal("/v1/act", r.URL.Path)

		var req ActRequest
		suite.Require().NoError(json.NewDecoder(r.Body).Decode(&req))
		suite.Equal("v1", req.APIVersion)

		json.NewEncoder(w).Encode(ActResponse{ActionType: "BUY", Size: 1.5})
	}))
	defer server.Close()

	client := suite.newClient(server.URL, 500, 0)

	response, info, err := client.Act(context.Background(), suite.request())
	suite.Require().NoError(err)
	suite.Equal("BUY", response.ActionType)
	suite.InDelta(1.5, response.Size, 1e-9)
	suite.Equal(uint(1), info.Attempts)
	suite.Equal(http.StatusOK, info.Status)
}

func (suite *ClientTestSuite) TestRetriesOnServerError() {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		json.NewEncoder(w).Encode(ActResponse{ActionType: "HOLD", Size: 0})
	}))
	defer server.Close()

	client := suite.newClient(server.URL, 500, 1)

	response, info, err := client.Act(context.Background(), suite.request())
	suite.Require().NoError(err)
	suite.Equal("HOLD", response.ActionType)
	suite.Equal(uint(2), info.Attempts)
}

func (suite *ClientTestSuite) TestTimeoutExhaustsRetries() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(ActResponse{ActionType: "HOLD", Size: 0})
	}))
	defer server.Close()

	client := suite.newClient(server.URL, 20, 1)

	_, info, err := client.Act(context.Background(), suite.request())
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeAgentTimeout))
	// retries=1 means two attempts total.
	suite.Equal(uint(2), info.Attempts)
}

func (suite *ClientTestSuite) TestRejectionIsNotRetried() {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "observation width mismatch", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := suite.newClient(server.URL, 500, 3)

	_, _, err := client.Act(context.Background(), suite.request())
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeAgentRejected))
	suite.Equal(int32(1), calls.Load())
}

func (suite *ClientTestSuite) TestInvalidActionTypeIsProtocolError() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ActResponse{ActionType: "SHORT", Size: 1})
	}))
	defer server.Close()

	client := suite.newClient(server.URL, 500, 0)

	_, _, err := client.Act(context.Background(), suite.request())
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeAgentProtocol))
}

func (suite *ClientTestSuite) TestActBatch() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suite.Equal("/v1/act_batch", r.URL.Path)

		var req BatchRequest
		suite.Require().NoError(json.NewDecoder(r.Body).Decode(&req))

		responses := make([]ActResponse, len(req.Requests))
		for i := range responses {
			responses[i] = ActResponse{ActionType: "HOLD", Size: 0}
		}

		json.NewEncoder(w).Encode(BatchResponse{Responses: responses})
	}))
	defer server.Close()

	client := suite.newClient(server.URL, 500, 0)

	responses, _, err := client.ActBatch(context.Background(), &BatchRequest{
		APIVersion: "v1",
		RunID:      "run-1",
		Requests:   []ActRequest{*suite.request(), *suite.request()},
	})
	suite.Require().NoError(err)
	suite.Len(responses, 2)
}

func (suite *ClientTestSuite) TestBatchLengthMismatchIsProtocolError() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(BatchResponse{Responses: []ActResponse{}})
	}))
	defer server.Close()

	client := suite.newClient(server.URL, 500, 0)

	_, _, err := client.ActBatch(context.Background(), &BatchRequest{
		APIVersion: "v1",
		Requests:   []ActRequest{*suite.request()},
	})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeAgentProtocol))
}

func (suite *ClientTestSuite) TestUnsupportedAPIVersionRejected() {
	_, err := NewHTTPClient(Config{URL: "http://localhost", TimeoutMs: 100, APIVersion: "v2"})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeAgentVersion))

	_, err = NewHTTPClient(Config{URL: "http://localhost", TimeoutMs: 100, APIVersion: "not-a-version"})
	suite.Require().Error(err)
}

func (suite *ClientTestSuite) TestIsFatal() {
	protocolErr := errors.New(errors.ErrCodeAgentProtocol, "bad payload")
	timeoutErr := errors.New(errors.ErrCodeAgentTimeout, "deadline")

	suite.False(IsFatal(nil, true))
	suite.False(IsFatal(timeoutErr, true))
	suite.False(IsFatal(protocolErr, false))
	suite.True(IsFatal(protocolErr, true))
}
