package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	defaults := getDefaultAppConfig()

	assert.Equal(t, "INFO", defaults.LogLevel)
	assert.Equal(t, 2, defaults.Monitor.Quorum)
	assert.Equal(t, int64(8), defaults.Monitor.PropagationTime)
	assert.Equal(t, 10*time.Minute, defaults.Monitor.EvictionAge)
	assert.Equal(t, 1024, defaults.Monitor.WriterQueueSize)
	assert.Equal(t, 1000, defaults.Api.MaxResponseRows)
	assert.Equal(t, 15*time.Second, defaults.Api.RequestTimeout)
	assert.False(t, defaults.Db.Enabled)
}

func TestMonitorConfigValidate(t *testing.T) {
	valid := func() *MonitorConfig {
		return &MonitorConfig{
			ExecutionHTTPURL:   "http://localhost:8545",
			MainExecutionWSURL: "ws://localhost:8546",
			ConsensusHTTPURL:   "http://localhost:5052",
			Quorum:             2,
		}
	}

	tt := []struct {
		name   string
		modify func(*MonitorConfig)

		expectedErr error
	}{
		{
			name:   "valid",
			modify: func(*MonitorConfig) {},
		},
		{
			name:        "missing execution http url",
			modify:      func(c *MonitorConfig) { c.ExecutionHTTPURL = "" },
			expectedErr: ErrMissingExecutionHTTPURL,
		},
		{
			name:        "missing ws url",
			modify:      func(c *MonitorConfig) { c.MainExecutionWSURL = "" },
			expectedErr: ErrMissingExecutionWSURL,
		},
		{
			name:        "missing consensus url",
			modify:      func(c *MonitorConfig) { c.ConsensusHTTPURL = "" },
			expectedErr: ErrMissingConsensusHTTPURL,
		},
		{
			name:        "invalid url",
			modify:      func(c *MonitorConfig) { c.ConsensusHTTPURL = "http://local host\x7f" },
			expectedErr: ErrInvalidURL,
		},
		{
			name:        "quorum below one",
			modify:      func(c *MonitorConfig) { c.Quorum = 0 },
			expectedErr: ErrInvalidQuorum,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.modify(c)
			err := c.Validate()
			if tc.expectedErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.expectedErr)
			}
		})
	}
}

func TestDbConfigValidate(t *testing.T) {
	require.NoError(t, (&DbConfig{}).Validate())
	require.NoError(t, (&DbConfig{Enabled: true, Connection: "postgres://x"}).Validate())
	require.ErrorIs(t, (&DbConfig{Enabled: true}).Validate(), ErrMissingDbConnection)
}

func TestApiDbConnectionFallback(t *testing.T) {
	appConfig := &AppConfig{
		Db:  &DbConfig{Connection: "postgres://writer"},
		Api: &ApiConfig{},
	}
	assert.Equal(t, "postgres://writer", appConfig.ApiDbConnection())

	appConfig.Api.DbConnection = "postgres://reader"
	assert.Equal(t, "postgres://reader", appConfig.ApiDbConnection())
}
