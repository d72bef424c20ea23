package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/configuration"
)

func TestTranslateBackoffParams(t *testing.T) {
	tests := []struct {
		name            string
		threshold       int
		backoffTime     time.Duration
		expectedRetries int
	}{
		{
			name:            "Zero threshold",
			threshold:       0,
			backoffTime:     1 * time.Second,
			expectedRetries: 10,
		},
		{
			name:            "1s backoff with low threshold",
			threshold:       3,
			backoffTime:     1 * time.Second,
			expectedRetries: 10,
		},
		{
			name:            "1s backoff with high threshold",
			threshold:       15,
			backoffTime:     1 * time.Second,
			expectedRetries: 15,
		},
		{
			name:            "Very small backoff",
			threshold:       5,
			backoffTime:     10 * time.Millisecond,
			expectedRetries: 10,
		},
		{
			name:            "100ms backoff",
			threshold:       3,
			backoffTime:     100 * time.Millisecond,
			expectedRetries: 10,
		},
		{
			name:            "500ms backoff",
			threshold:       5,
			backoffTime:     500 * time.Millisecond,
			expectedRetries: 10,
		},
		{
			name:            "2s backoff",
			threshold:       5,
			backoffTime:     2 * time.Second,
			expectedRetries: 10,
		},
		{
			name:            "3s backoff",
			threshold:       5,
			backoffTime:     3 * time.Second,
			expectedRetries: 11,
		},
		{
			name:            "10s backoff",
			threshold:       2,
			backoffTime:     10 * time.Second,
			expectedRetries: 17,
		},
		{
			name:            "30s backoff - hits MaxElapsedTime cap",
			threshold:       1,
			backoffTime:     30 * time.Second,
			expectedRetries: 15,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(tt *testing.T) {
			gotRetries := translateBackoffParams(tc.threshold, tc.backoffTime)

			require.Equal(tt, tc.expectedRetries, gotRetries)
			require.GreaterOrEqual(tt, gotRetries, tc.threshold)
		})
	}
}

func TestNewEndpoint(t *testing.T) {
	var mu sync.Mutex
	var actions []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope Envelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, e := range envelope.Events {
			actions = append(actions, e.Action)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	config := NewEndpointConfig(configuration.Endpoint{
		Name:       "ops",
		URL:        server.URL,
		Timeout:    time.Second,
		MaxRetries: 2,
		Backoff:    10 * time.Millisecond,
		Ignore:     configuration.Ignore{Actions: []string{EventActionQueued}},
	})
	e := NewEndpoint("ops", server.URL, config)
	require.Equal(t, "ops", e.Name())
	require.Equal(t, server.URL, e.URL())

	for _, action := range []string{EventActionQueued, EventActionFinished, EventActionDeleted} {
		event := createTestEvent(action, "copy_column")
		require.NoError(t, e.Write(&event))
	}
	require.NoError(t, e.Close())

	mu.Lock()
	require.Equal(t, []string{EventActionFinished, EventActionDeleted}, actions)
	mu.Unlock()

	var em EndpointMetrics
	e.ReadMetrics(&em)
	require.Equal(t, "ops", em.Endpoint)
	require.EqualValues(t, 2, em.Events)
	require.EqualValues(t, 2, em.Successes)
	require.EqualValues(t, 2, em.Delivered)
	require.Zero(t, em.Pending)
	require.EqualValues(t, 2, em.Statuses[statusKey(http.StatusAccepted)])

	p, err := Endpoints()
	require.NoError(t, err)
	require.Contains(t, string(p), `"endpoint":"ops"`)
}

func TestEndpointConfigDefaults(t *testing.T) {
	ec := EndpointConfig{Threshold: 3, Backoff: time.Second}
	ec.defaults()

	require.Equal(t, time.Second, ec.Timeout)
	require.Equal(t, 10, ec.MaxRetries)
	require.Equal(t, DefaultQueuePurgeTimeout, ec.QueuePurgeTimeout)
	require.Equal(t, DefaultQueueSizeLimit, ec.QueueSizeLimit)
	require.NotNil(t, ec.Transport)
}
