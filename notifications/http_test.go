package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSink(t *testing.T) {
	var mu sync.Mutex
	var received []Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Content-Type") != EventsMediaType {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var envelope Envelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mu.Lock()
		received = append(received, envelope.Events...)
		mu.Unlock()

		switch r.URL.Path {
		case "/redirect":
			w.WriteHeader(http.StatusTemporaryRedirect)
		case "/fail":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	headers := http.Header{"Authorization": []string{"Bearer secret"}}

	tcs := map[string]struct {
		path        string
		statusCode  int
		expectedErr bool
	}{
		"success":  {path: "/", statusCode: http.StatusOK},
		"redirect": {path: "/redirect", statusCode: http.StatusTemporaryRedirect},
		"failure":  {path: "/fail", statusCode: http.StatusInternalServerError, expectedErr: true},
	}

	for tn, tc := range tcs {
		t.Run(tn, func(tt *testing.T) {
			sm := newSafeMetrics(tt.Name())
			sink := newHTTPSink(server.URL+tc.path, 5*time.Second, headers, nil, sm.httpStatusListener())

			event := createTestEvent(EventActionFinished, "copy_column")
			err := sink.Write(&event)
			if tc.expectedErr {
				require.Error(tt, err)
				assert.EqualValues(tt, 1, sm.failures.Load())
			} else {
				require.NoError(tt, err)
				assert.EqualValues(tt, 1, sm.successes.Load())
			}

			v, ok := sm.statuses.Load(statusKey(tc.statusCode))
			require.True(tt, ok)
			require.NotNil(tt, v)

			checkClose(tt, sink)
		})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, len(tcs))
	for _, e := range received {
		require.Equal(t, EventActionFinished, e.Action)
		require.Equal(t, "copy_column", e.Migration.Name)
		require.Equal(t, []string{"id"}, e.Migration.KeyColumns)
	}
}

func TestHTTPSink_ConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	url := server.URL
	server.Close()

	sm := newSafeMetrics(t.Name())
	sink := newHTTPSink(url, time.Second, nil, nil, sm.httpStatusListener())

	event := createTestEvent(EventActionFinished, "copy_column")
	require.Error(t, sink.Write(&event))
	assert.EqualValues(t, 1, sm.errors.Load())
}
