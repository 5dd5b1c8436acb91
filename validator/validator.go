// Package validator rejects sensor readings whose metrics fall outside
// configured ranges.
package validator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/telemetry"
)

// TempCField names the rule that applies to a reading's temperature.
const TempCField = telemetry.FieldTempC

// RangeValidator bounds one metric.
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks that value lies in [Min, Max].
func (rv RangeValidator) Validate(value float64) error {
	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("%w: %s value %g not in range [%g, %g]", telemetry.ErrInvalidPayload, rv.Field, value, rv.Min, rv.Max)
	}
	return nil
}

// Validator holds range rules keyed by metric name. It is safe for
// concurrent use; rules can be replaced while readings are validated.
type Validator struct {
	mu    sync.RWMutex
	rules map[string]RangeValidator
}

// New creates a Validator from configured rules.
func New(rules map[string]config.RangeRule) *Validator {
	v := &Validator{}
	v.SetRules(rules)
	return v
}

// SetRules replaces all rules.
func (v *Validator) SetRules(rules map[string]config.RangeRule) {
	compiled := make(map[string]RangeValidator, len(rules))
	for field, rule := range rules {
		compiled[field] = RangeValidator{Field: field, Min: rule.Min, Max: rule.Max}
	}

	v.mu.Lock()
	v.rules = compiled
	v.mu.Unlock()
}

// Fields returns the names that have rules, sorted.
func (v *Validator) Fields() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	fields := make([]string, 0, len(v.rules))
	for field := range v.rules {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// ValidateReading checks every metric that has a rule, and tempC against
// the temp_c rule. Metrics without a rule always pass.
func (v *Validator) ValidateReading(reading telemetry.SensorReading) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.rules) == 0 {
		return nil
	}

	if reading.TempC != nil {
		if rule, ok := v.rules[TempCField]; ok {
			if err := rule.Validate(*reading.TempC); err != nil {
				return err
			}
		}
	}

	for _, metric := range reading.Metrics {
		rule, ok := v.rules[metric.Name]
		if !ok {
			continue
		}
		if err := rule.Validate(metric.Value); err != nil {
			return err
		}
	}
	return nil
}
