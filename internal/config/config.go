package config

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
	UpstreamConfig
	StorageConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetLogLevel() string
	GetProtocolUpstreamURL() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
	Upstream
	Storage
}

func New() Config {
	return mainConfig{}
}
