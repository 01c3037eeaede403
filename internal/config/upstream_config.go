package config

import "time"

// UpstreamConfig describes the identity provider the gateway delegates authorization to.
type UpstreamConfig interface {
	GetUpstream() UpstreamSettings
}

// UpstreamSettings is a snapshot of the upstream provider settings, validated at startup.
type UpstreamSettings struct {
	ClientID     string        `validate:"required"`
	ClientSecret string        `validate:"omitempty"`
	AuthURL      string        `validate:"required,url"`
	TokenURL     string        `validate:"required,url"`
	UserInfoURL  string        `validate:"required_without=Issuer,omitempty,url"`
	Issuer       string        `validate:"omitempty,url"`
	Scopes       []string      `validate:"dive,required"`
	Timeout      time.Duration `validate:"gt=0"`
	RetryBackoff time.Duration `validate:"gte=0"`
}

type Upstream struct{}

var _ UpstreamConfig = Upstream{}

func (Upstream) GetUpstream() UpstreamSettings {
	return UpstreamSettings{
		ClientID:     GetEnv("UPSTREAM_CLIENT_ID", ""),
		ClientSecret: GetEnv("UPSTREAM_CLIENT_SECRET", ""),
		AuthURL:      GetEnv("UPSTREAM_AUTH_URL", ""),
		TokenURL:     GetEnv("UPSTREAM_TOKEN_URL", ""),
		UserInfoURL:  GetEnv("UPSTREAM_USERINFO_URL", ""),
		Issuer:       GetEnv("UPSTREAM_ISSUER", ""),
		Scopes:       GetEnvList("UPSTREAM_SCOPES", []string{"openid", "profile", "email"}),
		Timeout:      GetEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		RetryBackoff: GetEnvNonNegativeDuration("UPSTREAM_RETRY_BACKOFF", 250*time.Millisecond),
	}
}
