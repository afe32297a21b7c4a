package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrMissingExecutionHTTPURL = errors.New("execution_http_url is required")
	ErrMissingExecutionWSURL   = errors.New("main_execution_ws_url is required")
	ErrMissingConsensusHTTPURL = errors.New("consensus_http_url is required")
	ErrMissingDbConnection     = errors.New("db_connection is required when db_enabled is set")
	ErrInvalidURL              = errors.New("invalid URL")
	ErrInvalidQuorum           = errors.New("quorum must be at least 1")
)

type AppConfig struct {
	LogLevel           string `mapstructure:"logLevel"`
	LogFormat          string `mapstructure:"logFormat"`
	ProfilerAddr       string `mapstructure:"profilerAddr"`
	PrometheusEndpoint string `mapstructure:"prometheusEndpoint"`
	PrometheusAddr     string `mapstructure:"prometheusAddr"`

	Monitor *MonitorConfig `mapstructure:"monitor"`
	Db      *DbConfig      `mapstructure:"db"`
	Api     *ApiConfig     `mapstructure:"api"`
}

// MonitorConfig holds everything the correlator needs: node endpoints, the
// observation quorum and the detection thresholds.
type MonitorConfig struct {
	ExecutionHTTPURL         string   `mapstructure:"execution_http_url"`
	MainExecutionWSURL       string   `mapstructure:"main_execution_ws_url"`
	SecondaryExecutionWSURLs []string `mapstructure:"secondary_execution_ws_urls"`
	ConsensusHTTPURL         string   `mapstructure:"consensus_http_url"`
	SyncCheckEnabled         bool     `mapstructure:"sync_check_enabled"`

	// Quorum is the number of distinct nodes that must report a transaction
	// before quorum_reached is fixed.
	Quorum int `mapstructure:"quorum"`

	// PropagationTime is the minimum time a transaction must have had to
	// propagate before its omission counts (seconds).
	PropagationTime int64 `mapstructure:"propagation_time"`

	EvictionAge     time.Duration `mapstructure:"eviction_age"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	WriterQueueSize int           `mapstructure:"writer_queue_size"`

	// GenesisTime and SecondsPerSlot anchor slot numbers to wall-clock
	// proposal times. Defaults match mainnet.
	GenesisTime    int64 `mapstructure:"genesis_time"`
	SecondsPerSlot int64 `mapstructure:"seconds_per_slot"`
}

type DbConfig struct {
	Enabled    bool   `mapstructure:"db_enabled"`
	Connection string `mapstructure:"db_connection"`
}

type ApiConfig struct {
	Host            string        `mapstructure:"api_host"`
	Port            int           `mapstructure:"api_port"`
	DbConnection    string        `mapstructure:"api_db_connection"`
	MaxResponseRows int           `mapstructure:"api_max_response_rows"`
	RequestTimeout  time.Duration `mapstructure:"api_request_timeout"`
}

func (c *MonitorConfig) PropagationTimeDuration() time.Duration {
	return time.Duration(c.PropagationTime) * time.Second
}

func (c *MonitorConfig) Validate() error {
	if c.ExecutionHTTPURL == "" {
		return ErrMissingExecutionHTTPURL
	}
	if c.MainExecutionWSURL == "" {
		return ErrMissingExecutionWSURL
	}
	if c.ConsensusHTTPURL == "" {
		return ErrMissingConsensusHTTPURL
	}
	for _, u := range append([]string{c.ExecutionHTTPURL, c.MainExecutionWSURL, c.ConsensusHTTPURL}, c.SecondaryExecutionWSURLs...) {
		if _, err := url.Parse(u); err != nil {
			return errors.Join(ErrInvalidURL, fmt.Errorf("url: %s", u), err)
		}
	}
	if c.Quorum < 1 {
		return ErrInvalidQuorum
	}
	return nil
}

func (c *DbConfig) Validate() error {
	if c.Enabled && c.Connection == "" {
		return ErrMissingDbConnection
	}
	return nil
}

// ApiDbConnection falls back to the writer connection so a single-database
// deployment only needs db_connection.
func (c *AppConfig) ApiDbConnection() string {
	if c.Api.DbConnection != "" {
		return c.Api.DbConnection
	}
	return c.Db.Connection
}
