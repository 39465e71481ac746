// Package config centralizes environment-driven configuration for service
// entry points: env struct tags carry defaults, flags layered on top
// override them.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target from environment variables declared with env struct
// tags. target must be a non-nil struct pointer.
func ParseEnv(target any) error {
	if target == nil {
		return errors.New("config target is required")
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
