package metrics

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/metrics"
)

func mockTimeSince(d time.Duration) func() {
	bkp := timeSince
	timeSince = func(_ time.Time) time.Duration { return d }
	return func() { timeSince = bkp }
}

func fullName(name string) string {
	return fmt.Sprintf("%s_%s_%s", metrics.NamespacePrefix, subsystem, name)
}

func TestWorkerRun(t *testing.T) {
	restore := mockTimeSince(10 * time.Millisecond)
	defer restore()

	WorkerRun("w1")()

	var expected bytes.Buffer
	_, err := expected.WriteString(`
# HELP bbm_background_migrations_worker_runs_total A counter of background migration worker runs.
# TYPE bbm_background_migrations_worker_runs_total counter
bbm_background_migrations_worker_runs_total{worker="w1"} 1
# HELP bbm_background_migrations_worker_run_duration_seconds A histogram of durations of background migration worker runs.
# TYPE bbm_background_migrations_worker_run_duration_seconds histogram
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="0.005"} 0
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="0.01"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="0.025"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="0.05"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="0.1"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="0.25"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="0.5"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="1"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="2.5"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="5"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="10"} 1
bbm_background_migrations_worker_run_duration_seconds_bucket{worker="w1",le="+Inf"} 1
bbm_background_migrations_worker_run_duration_seconds_sum{worker="w1"} 0.01
bbm_background_migrations_worker_run_duration_seconds_count{worker="w1"} 1
`)
	require.NoError(t, err)

	err = testutil.GatherAndCompare(prometheus.DefaultGatherer, &expected, fullName(runTotalName), fullName(runDurationName))
	require.NoError(t, err)
}

func TestTick(t *testing.T) {
	defer tickTotal.Reset()

	Tick("copy_users_id", "dispatched")
	Tick("copy_users_id", "dispatched")
	Tick("copy_users_id", "health_gate_blocked")

	require.InDelta(t, 2, testutil.ToFloat64(tickTotal.WithLabelValues("copy_users_id", "dispatched")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(tickTotal.WithLabelValues("copy_users_id", "health_gate_blocked")), 0)
}

func TestHealthGateBlocked(t *testing.T) {
	defer healthBlockTotal.Reset()

	HealthGateBlocked("copy_users_id")

	var expected bytes.Buffer
	_, err := expected.WriteString(`
# HELP bbm_background_migrations_health_gate_blocks_total A counter of scheduler ticks skipped because the database was unhealthy.
# TYPE bbm_background_migrations_health_gate_blocks_total counter
bbm_background_migrations_health_gate_blocks_total{migration="copy_users_id"} 1
`)
	require.NoError(t, err)
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer, &expected, fullName(healthBlockName)))
}

func TestJob(t *testing.T) {
	defer func() {
		jobTotal.Reset()
		jobRowsTotal.Reset()
		jobDurationHist.Reset()
	}()

	Job("m", "copy", "succeeded", time.Second, 1000)
	Job("m", "copy", "failed", time.Second, 0)

	require.InDelta(t, 1, testutil.ToFloat64(jobTotal.WithLabelValues("m", "copy", "succeeded")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(jobTotal.WithLabelValues("m", "copy", "failed")), 0)
	require.InDelta(t, 1000, testutil.ToFloat64(jobRowsTotal.WithLabelValues("m", "copy")), 0)
	require.Equal(t, 1, testutil.CollectAndCount(jobDurationHist))
}

func TestGauges(t *testing.T) {
	defer func() {
		batchSizeGauge.Reset()
		inFlightGauge.Reset()
	}()

	BatchSize("m", 1200)
	InFlight("m", 3)
	InFlight("m", 2)

	require.InDelta(t, 1200, testutil.ToFloat64(batchSizeGauge.WithLabelValues("m")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(inFlightGauge.WithLabelValues("m")), 0)
}

func TestFinalize(t *testing.T) {
	defer finalizeTotal.Reset()

	Finalize("m", true, true)
	Finalize("m", false, false)

	var expected bytes.Buffer
	_, err := expected.WriteString(`
# HELP bbm_background_migrations_finalizations_total A counter of finalizations by mode and result.
# TYPE bbm_background_migrations_finalizations_total counter
bbm_background_migrations_finalizations_total{migration="m",mode="inline",result="true"} 1
bbm_background_migrations_finalizations_total{migration="m",mode="wait",result="false"} 1
`)
	require.NoError(t, err)
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer, &expected, fullName(finalizeTotalName)))
}
