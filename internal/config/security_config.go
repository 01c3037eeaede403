package config

type SecurityConfig interface {
	GetRequirePKCE() bool
	GetRedirectAllowedHosts() []string
	GetAllowLoopbackRedirects() bool
}

type Security struct{}

var _ SecurityConfig = Security{}

func (Security) GetRequirePKCE() bool {
	return GetEnvBool("REQUIRE_PKCE", true)
}

// GetRedirectAllowedHosts restricts https redirect targets. Empty allows any https host.
func (Security) GetRedirectAllowedHosts() []string {
	return GetEnvList("REDIRECT_ALLOWED_HOSTS", nil)
}

func (Security) GetAllowLoopbackRedirects() bool {
	return GetEnvBool("ALLOW_LOOPBACK_REDIRECTS", true)
}
