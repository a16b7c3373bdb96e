// Package validation centralizes the configuration range/presence checks
// shared by multiple executors and agents, so a bad TOML value is
// rejected at Initialize time with a ConfigError rather than surfacing as
// a confusing failure mid-run (spec §7).
package validation

import (
	"fmt"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
)

// Fraction checks that v lies in [0.0, 1.0], the shape shared by
// selection_fraction (fastmon) and tf_size_fraction.
func Fraction(name string, v float64) error {
	if v < 0.0 || v > 1.0 {
		return core.ErrConfig(core.CodeInvalidFraction, fmt.Sprintf("%s must be between 0.0 and 1.0, got %v", name, v))
	}
	return nil
}

// Positive checks that an integer config value is strictly greater than
// zero, the shape required by slices_per_sample, stf_count, and similar
// divisor/count parameters.
func Positive(name string, v int) error {
	if v <= 0 {
		return core.ErrConfig(core.CodeInvalidValue, fmt.Sprintf("%s must be greater than zero, got %d", name, v))
	}
	return nil
}

// NonNegative checks that an integer config value is zero or more, the
// shape required by delay/duration parameters where zero means "skip".
func NonNegative(name string, v int) error {
	if v < 0 {
		return core.ErrConfig(core.CodeInvalidValue, fmt.Sprintf("%s must not be negative, got %d", name, v))
	}
	return nil
}

// Required checks that a string config value is non-empty.
func Required(name, v string) error {
	if v == "" {
		return core.ErrConfig(core.CodeMissingValue, fmt.Sprintf("%s is required", name))
	}
	return nil
}
