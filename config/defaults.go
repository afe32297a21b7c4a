package config

import "time"

func getDefaultAppConfig() *AppConfig {
	return &AppConfig{
		LogLevel:           "INFO",
		LogFormat:          "text",
		ProfilerAddr:       "",
		PrometheusEndpoint: "",
		PrometheusAddr:     ":2112",
		Monitor:            getDefaultMonitorConfig(),
		Db:                 &DbConfig{},
		Api:                getDefaultApiConfig(),
	}
}

func getDefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		SyncCheckEnabled: true,
		Quorum:           2,
		PropagationTime:  8,
		EvictionAge:      10 * time.Minute,
		RequestTimeout:   10 * time.Second,
		WriterQueueSize:  1024,
		GenesisTime:      1606824023,
		SecondsPerSlot:   12,
	}
}

func getDefaultApiConfig() *ApiConfig {
	return &ApiConfig{
		Host:            "localhost",
		Port:            8080,
		MaxResponseRows: 1000,
		RequestTimeout:  15 * time.Second,
	}
}
