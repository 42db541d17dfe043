package config

import (
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dittogw/pkg/handlers"
)

// validate is the singleton validator instance
var validate = validator.New()

// Validate validates the configuration using struct tags and custom rules.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == cfg.Gateway.Port {
		return fmt.Errorf("server.metrics.port: must differ from gateway.port (%d)", cfg.Gateway.Port)
	}

	if !slices.Contains(handlers.InboundTypes(), cfg.Handlers.Inbound.Type) {
		return fmt.Errorf("handlers.inbound.type: unknown type %q (available: %v)",
			cfg.Handlers.Inbound.Type, handlers.InboundTypes())
	}
	if !slices.Contains(handlers.OutboundTypes(), cfg.Handlers.Outbound.Type) {
		return fmt.Errorf("handlers.outbound.type: unknown type %q (available: %v)",
			cfg.Handlers.Outbound.Type, handlers.OutboundTypes())
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
