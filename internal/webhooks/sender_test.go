package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insforge/insforge/internal/testutil"
)

func newTestSender(t *testing.T) *Sender {
	t.Helper()
	s := NewSender(testutil.DiscardLogger())
	s.backoff = [maxAttempts - 1]time.Duration{time.Millisecond, time.Millisecond}
	return s
}

func testEvent() Event {
	return Event{
		MessageID: "msg-1",
		Channel:   "orders",
		EventName: "order.created",
		Payload:   json.RawMessage(`{"id":42}`),
	}
}

func TestSendSetsHeadersAndBody(t *testing.T) {
	t.Parallel()
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	results := newTestSender(t).SendToAll(context.Background(), []string{srv.URL}, testEvent())
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	require.NotNil(t, results[0].StatusCode)
	assert.Equal(t, http.StatusOK, *results[0].StatusCode)

	assert.Equal(t, "order.created", gotHeaders.Get(HeaderEvent))
	assert.Equal(t, "orders", gotHeaders.Get(HeaderChannel))
	assert.Equal(t, "msg-1", gotHeaders.Get(HeaderMessageID))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.JSONEq(t, `{"id":42}`, string(gotBody))
}

func TestHTTPErrorIsTerminal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	results := newTestSender(t).SendToAll(context.Background(), []string{srv.URL}, testEvent())
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, int32(1), calls.Load(), "http errors must not be retried")
	require.NotNil(t, results[0].StatusCode)
	assert.Equal(t, http.StatusInternalServerError, *results[0].StatusCode)
}

func TestNetworkErrorRetriedThenReported(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	results := newTestSender(t).SendToAll(context.Background(), []string{dead.URL}, testEvent())
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Nil(t, results[0].StatusCode)
	assert.NotEmpty(t, results[0].Error)
}

func TestSendToAllPreservesOrderAcrossMixedOutcomes(t *testing.T) {
	t.Parallel()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	results := newTestSender(t).SendToAll(context.Background(),
		[]string{ok.URL, failing.URL, ok.URL}, testEvent())
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, failing.URL, results[1].URL)
}
