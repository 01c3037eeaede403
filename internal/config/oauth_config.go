package config

import "time"

// OAuthConfig holds the lifetimes that govern session tokens and pending authorization flows.
type OAuthConfig interface {
	GetSessionTokenTTL() time.Duration
	GetFlowTimeout() time.Duration
	GetSweepInterval() time.Duration
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetSessionTokenTTL() time.Duration {
	return GetEnvDuration("SESSION_TOKEN_TTL", 1*time.Hour)
}

// GetFlowTimeout bounds how long an /authorize context waits for the upstream callback.
func (OAuth) GetFlowTimeout() time.Duration {
	return GetEnvDuration("FLOW_TIMEOUT", 10*time.Minute)
}

func (OAuth) GetSweepInterval() time.Duration {
	return GetEnvDuration("SWEEP_INTERVAL", 1*time.Minute)
}
