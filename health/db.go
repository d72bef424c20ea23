package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/datastore"
)

// DBStatusChecker asynchronously pings the primary and the replicas and
// stores their reachability, returning the status when required.
type DBStatusChecker struct {
	db       Cluster
	interval time.Duration
	timeout  time.Duration // for each ping

	mu       sync.RWMutex
	pingInfo map[string]*pingInfo
	logger   log.Logger
}

type pingInfo struct {
	err      error
	pingedAt time.Time
}

// NewDBStatusChecker creates a DBStatusChecker pinging db every interval.
func NewDBStatusChecker(db Cluster, interval, timeout time.Duration, logger log.Logger) *DBStatusChecker {
	return &DBStatusChecker{
		db:       db,
		interval: interval,
		timeout:  timeout,
		pingInfo: make(map[string]*pingInfo),
		logger:   logger,
	}
}

// Start pings in the background until ctx is done.
func (s *DBStatusChecker) Start(ctx context.Context) {
	go s.updateStatusInBackground(ctx)
}

func (s *DBStatusChecker) updateStatusInBackground(ctx context.Context) {
	s.doPings(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.doPings(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *DBStatusChecker) doPings(ctx context.Context) {
	// rebuilt on every round so that removed replicas are flushed out
	pingInfos := make(map[string]*pingInfo)

	var wg sync.WaitGroup
	type pingResult struct {
		address string
		info    *pingInfo
	}
	results := make(chan pingResult)

	for _, db := range s.primaryAndReplicas() {
		if db == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			timestamp := time.Now()
			pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
			err := db.PingContext(pingCtx)
			cancel()

			results <- pingResult{
				address: db.Address(),
				info:    &pingInfo{pingedAt: timestamp, err: err},
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		pingInfos[r.address] = r.info
	}

	s.mu.Lock()
	s.pingInfo = pingInfos
	s.mu.Unlock()
}

func (s *DBStatusChecker) primaryAndReplicas() []Pinger {
	return append([]Pinger{s.db.Primary()}, s.db.Replicas()...)
}

func (s *DBStatusChecker) ping(addr string) *pingInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingInfo[addr]
}

// HealthCheck returns the ping errors of the primary and the replicas. A
// database that was not pinged yet is assumed reachable.
func (s *DBStatusChecker) HealthCheck() error {
	var errs *multierror.Error

	for _, db := range s.primaryAndReplicas() {
		if db == nil {
			continue
		}
		address := db.Address()
		info := s.ping(address)
		if info == nil {
			s.logger.WithFields(log.Fields{"db_host_addr": address}).
				Info("status unknown for database, not pinged yet, returning OK")
			continue
		}

		if info.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pinging %s: %w", address, info.err))
		}
	}
	return errs.ErrorOrNil()
}

// ServeHTTP reports the status of the primary and all replicas. It is served
// at /debug/health/db.
func (s *DBStatusChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// it is too late to handle write errors, only log them
	maybeLogWriteErr := func(err error) {
		if err != nil {
			s.logger.WithFields(log.Fields{"path": r.URL.Path}).WithError(err).Error("error writing response")
		}
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, err := fmt.Fprintf(w, "must be a GET request, not %s", r.Method)
		maybeLogWriteErr(err)
		return
	}

	encoded, err := json.Marshal(s.getStatus())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, writeErr := fmt.Fprint(w, err)
		maybeLogWriteErr(writeErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(encoded)
	maybeLogWriteErr(err)
}

func (s *DBStatusChecker) getStatus() *DBStatus {
	status := &DBStatus{
		OverallStatus: s.getOverallStatus(),
	}

	setStatusFromPingInfo := func(st *ReplicaStatus) {
		info := s.ping(st.Address)
		switch {
		case info == nil:
			st.Status = ReplicaStatusUnknown
		case info.err != nil:
			st.LastPingedAt = (*timestamp)(&info.pingedAt)
			st.Status = ReplicaUnreachable
		default:
			st.LastPingedAt = (*timestamp)(&info.pingedAt)
			st.Status = ReplicaOnline
		}
	}

	// the primary has no lag, only its reachability matters
	if primary := s.db.Primary(); primary != nil {
		status.Primary = &ReplicaStatus{Address: primary.Address()}
		setStatusFromPingInfo(status.Primary)
	}

	for _, replica := range s.db.Replicas() {
		if replica == nil {
			continue
		}

		replicaStatus := &ReplicaStatus{Address: replica.Address()}
		setStatusFromPingInfo(replicaStatus)

		if replicaStatus.Status == ReplicaOnline {
			if info := s.db.ReplicaLagInfo(replicaStatus.Address); info != nil {
				replicaStatus.LagSeconds = info.TimeLag.Seconds()
				replicaStatus.LagBytes = info.BytesLag
				if info.Lagging {
					replicaStatus.Status = ReplicaLagging
				}
			}
		}

		status.Replicas = append(status.Replicas, replicaStatus)
	}

	return status
}

// getOverallStatus is healthy when the primary and every replica is reachable
// and no replica lags behind.
func (s *DBStatusChecker) getOverallStatus() string {
	primary := s.db.Primary()
	if primary == nil {
		return DBUnhealthy
	}

	info := s.ping(primary.Address())
	if info == nil {
		return DBStatusUnknown
	}
	if info.err != nil {
		return DBUnhealthy
	}

	unknown := false
	for _, replica := range s.db.Replicas() {
		rInfo := s.ping(replica.Address())
		if rInfo == nil {
			// a new replica that was not pinged yet
			unknown = true
			continue
		}
		if rInfo.err != nil {
			return DBUnhealthy
		}
		if lag := s.db.ReplicaLagInfo(replica.Address()); lag != nil && lag.Lagging {
			return DBUnhealthy
		}
	}

	if unknown {
		return DBStatusUnknown
	}
	return DBHealthy
}

// DBStatus is the status of the database cluster reported at /debug/health/db.
type DBStatus struct {
	OverallStatus string           `json:"overall_status"`
	Primary       *ReplicaStatus   `json:"primary"`
	Replicas      []*ReplicaStatus `json:"replicas,omitempty"`
}

const (
	DBHealthy       = "healthy"
	DBUnhealthy     = "unhealthy"
	DBStatusUnknown = "unknown"
)

// ReplicaStatus is the status of a database host.
type ReplicaStatus struct {
	Address      string     `json:"address"`
	Status       string     `json:"status"`
	LagSeconds   float64    `json:"lag_seconds,omitempty"`
	LagBytes     int64      `json:"lag_bytes,omitempty"`
	LastPingedAt *timestamp `json:"last_pinged_at,omitempty"`
}

const (
	ReplicaOnline        = "online"
	ReplicaLagging       = "lagging"
	ReplicaStatusUnknown = "unknown"
	ReplicaUnreachable   = "unreachable"
)

// timestamp is a time.Time that marshals into an ISO8601 timestamp with
// millisecond precision.
type timestamp time.Time

// MarshalJSON outputs the timestamp in ISO8601 format with millisecond precision.
func (t *timestamp) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 26)
	b = append(b, '"')
	b = (*time.Time)(t).AppendFormat(b, "2006-01-02T15:04:05.999Z")
	b = append(b, '"')
	return b, nil
}

// Cluster is the primary database and its replicas, as seen by the checker.
type Cluster interface {
	Primary() Pinger
	Replicas() []Pinger
	ReplicaLagInfo(addr string) *datastore.ReplicaLagInfo
}

// Pinger is implemented by *datastore.DB.
type Pinger interface {
	Address() string
	PingContext(context.Context) error
}

// DBCluster implements Cluster for datastore handles, reading replica lag
// from the tracker fed by the ReplicationLagIndicator.
type DBCluster struct {
	PrimaryDB  *datastore.DB
	ReplicaDBs []*datastore.DB
	Lag        *datastore.ReplicaLagTracker
}

func (c *DBCluster) Primary() Pinger {
	if c.PrimaryDB == nil {
		return nil
	}
	return c.PrimaryDB
}

func (c *DBCluster) Replicas() []Pinger {
	out := make([]Pinger, 0, len(c.ReplicaDBs))
	for _, r := range c.ReplicaDBs {
		out = append(out, r)
	}
	return out
}

func (c *DBCluster) ReplicaLagInfo(addr string) *datastore.ReplicaLagInfo {
	if c.Lag == nil {
		return nil
	}
	return c.Lag.Get(addr)
}
