// Package migrate applies ordered, named migration steps to stored
// data. A record tracks which step names have already been applied;
// each named step runs at most once per record, so steps only need to
// be written correctly for the data shapes they were declared against.
package migrate

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meshstore/meshstore/internal/dynval"
)

// Step is one named migration. Exactly one of AddFields and Transform
// must be set: AddFields merges default values for missing keys
// (non-destructive); Transform replaces the data wholesale.
type Step struct {
	Name      string
	AddFields map[string]any
	Transform func(dynval.Value) (dynval.Value, error)
}

// Error reports a migration step failure; it aborts the load that
// triggered it.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("migration step %q failed: %v", e.Step, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Validate checks that every step is well-formed and uniquely named.
func Validate(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return fmt.Errorf("migration step with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate migration step %q", s.Name)
		}
		seen[s.Name] = true
		if (s.AddFields == nil) == (s.Transform == nil) {
			return fmt.Errorf("migration step %q must set exactly one of AddFields and Transform", s.Name)
		}
	}
	return nil
}

// Run applies, in order, every step whose name is not in applied.
// It returns the migrated data and the grown applied list. The input
// applied slice is not mutated; data may be consumed by transform
// steps and must not be reused by the caller on success.
func Run(data dynval.Value, applied []string, steps []Step, logger zerolog.Logger) (dynval.Value, []string, error) {
	appliedSet := make(map[string]bool, len(applied))
	for _, name := range applied {
		appliedSet[name] = true
	}

	out := applied
	for _, step := range steps {
		if appliedSet[step.Name] {
			continue
		}
		var err error
		if step.AddFields != nil {
			data = dynval.FillDefaults(data, step.AddFields)
		} else {
			data, err = step.Transform(data)
		}
		if err != nil {
			return nil, nil, &Error{Step: step.Name, Err: err}
		}
		logger.Debug().Str("step", step.Name).Msg("migration step applied")
		out = append(out[:len(out):len(out)], step.Name)
	}
	return data, out, nil
}
