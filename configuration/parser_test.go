package configuration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOverwriteFromEnv(t *testing.T) {
	tcs := map[string]struct {
		environ []string
		check   func(*testing.T, *Configuration)
	}{
		"scalar": {
			environ: []string{"BBM_DATABASE_PORT=6432"},
			check: func(tt *testing.T, c *Configuration) {
				require.Equal(tt, 6432, c.Database.Port)
			},
		},
		"duration": {
			environ: []string{"BBM_DATABASE_BACKGROUNDMIGRATIONS_STALEJOBTIMEOUT=90s"},
			check: func(tt *testing.T, c *Configuration) {
				require.Equal(tt, 90*time.Second, c.Database.BackgroundMigrations.StaleJobTimeout)
			},
		},
		"case insensitive path": {
			environ: []string{"BBM_health_MaxXIDAge=42"},
			check: func(tt *testing.T, c *Configuration) {
				require.EqualValues(tt, 42, c.Health.MaxXIDAge)
			},
		},
		"slice": {
			environ: []string{"BBM_DATABASE_REPLICAS=[replica1, 'replica2:5433']"},
			check: func(tt *testing.T, c *Configuration) {
				require.Equal(tt, []string{"replica1", "replica2:5433"}, c.Database.Replicas)
			},
		},
		"parent before child": {
			environ: []string{
				"BBM_REDIS_TLS_INSECURE=true",
				"BBM_REDIS={addr: 'localhost:6379', tls: {enabled: true}}",
			},
			check: func(tt *testing.T, c *Configuration) {
				require.Equal(tt, "localhost:6379", c.Redis.Addr)
				require.True(tt, c.Redis.TLS.Enabled)
				require.True(tt, c.Redis.TLS.Insecure)
			},
		},
		"list of structs": {
			environ: []string{
				"BBM_NOTIFICATIONS_ENDPOINTS=[{name: hook, url: 'http://example.com/events', headers: {Authorization: [token]}}]",
			},
			check: func(tt *testing.T, c *Configuration) {
				require.Len(tt, c.Notifications.Endpoints, 1)
				e := c.Notifications.Endpoints[0]
				require.Equal(tt, "hook", e.Name)
				require.Equal(tt, "http://example.com/events", e.URL)
				require.Equal(tt, http.Header{"Authorization": []string{"token"}}, e.Headers)
			},
		},
		"feature flags and unknown variables are ignored": {
			environ: []string{
				"BBM_FF_HEALTH_GATE=false",
				"BBM_NOPE=1",
				"BBM_DATABASE_NOPE=1",
				"OTHER_DATABASE_HOST=elsewhere",
				"BBM_DATABASE_HOST",
			},
			check: func(tt *testing.T, c *Configuration) {
				require.Equal(tt, "localhost", c.Database.Host)
			},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(tt *testing.T) {
			config := &Configuration{}
			config.Database.Host = "localhost"

			require.NoError(tt, overwriteFromEnv(envPrefix, tc.environ, config))
			tc.check(tt, config)
		})
	}
}

func TestOverwriteFromEnv_Invalid(t *testing.T) {
	tcs := map[string]string{
		"not a number":      "BBM_DATABASE_PORT=five",
		"invalid log level": "BBM_LOG_LEVEL=loud",
		"invalid duration":  "BBM_DATABASE_CONNECTTIMEOUT=soon",
	}

	for name, kv := range tcs {
		t.Run(name, func(tt *testing.T) {
			require.Error(tt, overwriteFromEnv(envPrefix, []string{kv}, &Configuration{}))
		})
	}
}
