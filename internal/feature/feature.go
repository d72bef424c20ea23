package feature

import "os"

// Feature defines an application feature toggled by a specific environment variable.
type Feature struct {
	// EnvVariable defines the name of the corresponding environment variable.
	EnvVariable    string
	defaultEnabled bool
}

// Enabled reads the environment variable responsible for the feature flag. If FF is disabled by default, the
// environment variable needs to be `true` to explicitly enable it. If FF is enabled by default, variable needs to be
// `false` to explicitly disable it.
func (f Feature) Enabled() bool {
	env := os.Getenv(f.EnvVariable)

	if f.defaultEnabled {
		return env != "false"
	}

	return env == "true"
}

// AdaptiveBatchSize lets the scheduler grow or shrink the batch size of a migration between ticks based on the
// duration of recent batches. When disabled every batch is planned with the size recorded at queue time.
var AdaptiveBatchSize = Feature{
	defaultEnabled: true,
	EnvVariable:    "BBM_FF_ADAPTIVE_BATCH_SIZE",
}

// StaleJobRecovery requeues batches left in the running state by a worker that died mid batch. Disable it when
// running more than one worker version against the same database with different stale timeouts.
var StaleJobRecovery = Feature{
	defaultEnabled: true,
	EnvVariable:    "BBM_FF_STALE_JOB_RECOVERY",
}

// HealthGate consults the health indicators before each scheduler tick. Disabling it makes every tick proceed.
var HealthGate = Feature{
	defaultEnabled: true,
	EnvVariable:    "BBM_FF_HEALTH_GATE",
}

// testFeature is used for testing purposes only
var testFeature = Feature{
	EnvVariable: "BBM_FF_TEST",
}

var all = []Feature{
	testFeature,
	AdaptiveBatchSize,
	StaleJobRecovery,
	HealthGate,
}

// KnownEnvVar evaluates whether the input string matches the name of one of the known feature flag env vars.
func KnownEnvVar(name string) bool {
	for _, f := range all {
		if f.EnvVariable == name {
			return true
		}
	}

	return false
}
