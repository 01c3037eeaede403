package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the settings that cannot be defaulted. It is called once at startup.
func Validate(c Config) error {
	upstream := c.GetUpstream()
	if err := validate.Struct(upstream); err != nil {
		return fmt.Errorf("[config.Validate] upstream: %w", err)
	}
	storage := c.GetStorage()
	if err := validate.Struct(storage); err != nil {
		return fmt.Errorf("[config.Validate] storage: %w", err)
	}
	if c.GetSessionTokenTTL() <= 0 || c.GetFlowTimeout() <= 0 {
		return fmt.Errorf("[config.Validate] token and flow lifetimes must be positive")
	}
	return nil
}
