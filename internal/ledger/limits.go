// Package ledger enforces per-session, per-resource-type usage budgets with
// interval resets and dual ceilings.
package ledger

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed limits.yaml
var defaultLimitsYAML []byte

// Limit is the budget for one resource type. Zero ceilings are unbounded; a
// zero reset interval never resets.
type Limit struct {
	MaxPerInterval int64
	MaxTotal       int64
	ResetInterval  time.Duration
}

// UnmarshalYAML accepts Go duration strings for the reset interval.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MaxPerInterval int64  `yaml:"max_per_interval"`
		MaxTotal       int64  `yaml:"max_total"`
		ResetInterval  string `yaml:"reset_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	l.MaxPerInterval = raw.MaxPerInterval
	l.MaxTotal = raw.MaxTotal
	l.ResetInterval = 0
	if raw.ResetInterval != "" {
		interval, err := time.ParseDuration(raw.ResetInterval)
		if err != nil {
			return fmt.Errorf("parse reset interval: %w", err)
		}
		l.ResetInterval = interval
	}
	return nil
}

// Limits maps resource type to its budget.
type Limits map[string]Limit

// DefaultLimits parses the embedded budget defaults.
func DefaultLimits() (Limits, error) {
	var raw struct {
		Resources map[string]Limit `yaml:"resources"`
	}
	if err := yaml.Unmarshal(defaultLimitsYAML, &raw); err != nil {
		return nil, fmt.Errorf("parse default limits: %w", err)
	}
	if len(raw.Resources) == 0 {
		return nil, fmt.Errorf("default limits define no resources")
	}
	return Limits(raw.Resources), nil
}

// Merge layers overrides on top of the receiver. Override entries replace
// whole budgets; resource types only present in overrides are added.
func (l Limits) Merge(overrides Limits) Limits {
	out := make(Limits, len(l)+len(overrides))
	for resourceType, limit := range l {
		out[resourceType] = limit
	}
	for resourceType, limit := range overrides {
		out[resourceType] = limit
	}
	return out
}
