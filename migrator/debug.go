package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tigrisdata/bbm/configuration"
	"github.com/tigrisdata/bbm/health"
	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/notifications"
)

const debugShutdownTimeout = 5 * time.Second

// signaler is implemented by *health.Gate.
type signaler interface {
	Signals(ctx context.Context) ([]health.Signal, error)
}

type healthResponse struct {
	Healthy bool            `json:"healthy"`
	Signals []health.Signal `json:"signals,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// healthHandler reports the signals of the health gate. It responds 503 while any indicator is unhealthy.
func healthHandler(gate signaler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Healthy: true}
		if gate != nil {
			signals, err := gate.Signals(r.Context())
			resp.Signals = signals
			if err != nil {
				resp.Healthy = false
				resp.Error = err.Error()
			}
			for _, s := range signals {
				if !s.Healthy {
					resp.Healthy = false
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !resp.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.GetLogger(r.Context()).WithError(err).Error("error writing health response")
		}
	}
}

func endpointsHandler(w http.ResponseWriter, r *http.Request) {
	b, err := notifications.Endpoints()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		log.GetLogger(r.Context()).WithError(err).Error("error writing endpoints response")
	}
}

// newDebugRouter routes the metrics and health endpoints of the debug server. Requests are logged in the combined log
// format to accessLog.
func newDebugRouter(config *configuration.Configuration, gate signaler, dbStatus http.Handler, accessLog io.Writer) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/debug/health", healthHandler(gate)).Methods(http.MethodGet)
	if dbStatus != nil {
		r.Handle("/debug/health/db", dbStatus)
	}
	r.HandleFunc("/debug/notifications", endpointsHandler).Methods(http.MethodGet)
	if config.HTTP.Debug.Prometheus.Enabled {
		r.Handle(config.HTTP.Debug.Prometheus.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	return handlers.CombinedLoggingHandler(accessLog, r)
}

// serveDebug serves h on the configured debug address until ctx is done. It is a noop when no address is configured.
func serveDebug(ctx context.Context, config *configuration.Configuration, h http.Handler) {
	addr := config.HTTP.Debug.Addr
	if addr == "" {
		return
	}

	l := log.GetLogger(ctx).WithFields(log.Fields{"address": addr})
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Info("debug server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("error listening on debug interface")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), debugShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.WithError(err).Warn("failed to shut down debug server")
		}
	}()
}
