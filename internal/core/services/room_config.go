package services

import (
	"time"

	"confroom/internal/core/domain"
	"confroom/pkg/config"
)

const (
	ScopeStream  = "stream"
	ScopeSession = "session"

	sdkVersion = "1.0.0"
)

// RoomConfig holds the timing and retry policy of one room session.
type RoomConfig struct {
	ReconnectionAllowed     bool
	MaxConnectAttempts      int
	MaxReconnectAttempts    int
	ReconnectionTimeout     time.Duration
	LeaveAckTimeout         time.Duration
	PublishHealthGrace      time.Duration
	ConnectionSettleTimeout time.Duration
	HealthCheckInterval     time.Duration
	ProbeInterval           time.Duration
	VideoCodecs             []string
	Client                  domain.ClientInfo
}

func DefaultRoomConfig() RoomConfig {
	return RoomConfigFrom(config.DefaultConfig())
}

func RoomConfigFrom(cfg *config.Config) RoomConfig {
	return RoomConfig{
		ReconnectionAllowed:     cfg.Session.ReconnectionAllowed,
		MaxConnectAttempts:      cfg.Session.MaxConnectAttempts,
		MaxReconnectAttempts:    cfg.Session.MaxReconnectAttempts,
		ReconnectionTimeout:     cfg.Session.ReconnectionTimeout,
		LeaveAckTimeout:         cfg.Session.LeaveAckTimeout,
		PublishHealthGrace:      cfg.Session.PublishHealthGrace,
		ConnectionSettleTimeout: cfg.Session.ConnectionSettleTimeout,
		HealthCheckInterval:     cfg.Session.HealthCheckInterval,
		ProbeInterval:           cfg.Session.ProbeInterval,
		VideoCodecs:             append([]string(nil), cfg.WebRTC.VideoCodecs...),
		Client: domain.ClientInfo{
			Platform:    "go",
			SDKVersion:  sdkVersion,
			VideoCodecs: append([]string(nil), cfg.WebRTC.VideoCodecs...),
		},
	}
}
