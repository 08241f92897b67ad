package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/workhub/metastore/pkg/metastore"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
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
	// The username key is always registered by the store itself; listing it
	// again would fail registration at startup.
	seen := make(map[string]bool)
	for i, key := range cfg.IndexedProperties {
		if key == metastore.UserNameProperty {
			return fmt.Errorf("indexed_properties[%d]: %q is registered automatically", i, key)
		}
		if seen[key] {
			return fmt.Errorf("indexed_properties[%d]: duplicate property key %q", i, key)
		}
		seen[key] = true
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
