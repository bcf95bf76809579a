package model

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by public engine operations. Callers match them
// with errors.Is; everything else is treated as an internal failure.
var (
	// ErrInvalidSchedule rejects a malformed cron pattern before any state
	// is mutated.
	ErrInvalidSchedule = errors.New("invalid schedule pattern")

	// ErrNotFound reports a move/reactivate call referencing a recipient or
	// entry that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotDeactivated rejects reactivation of an entry that is still active.
	ErrNotDeactivated = errors.New("entry is not deactivated")

	// ErrNoKeywords rejects an entry without at least one keyword.
	ErrNoKeywords = errors.New("entry must have at least one keyword")

	// ErrDuplicateName rejects an entry whose name is already taken within
	// the same recipient.
	ErrDuplicateName = errors.New("entry name already in use")
)

// ValidateEntry checks the invariants that must hold before an entry is
// persisted. It does not touch lifecycle state.
func ValidateEntry(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("validate entry: name is required")
	}
	if len(e.Keywords) == 0 {
		return fmt.Errorf("validate entry %q: %w", e.Name, ErrNoKeywords)
	}
	for _, k := range e.Keywords {
		switch k.Type {
		case KeywordTitle, KeywordFeature:
		default:
			return fmt.Errorf("validate entry %q: unknown keyword type %q", e.Name, k.Type)
		}
		if k.Value == "" {
			return fmt.Errorf("validate entry %q: empty keyword value", e.Name)
		}
	}
	if e.MaxDeliveries != nil && *e.MaxDeliveries < 0 {
		return fmt.Errorf("validate entry %q: max deliveries must be >= 0", e.Name)
	}
	if e.CooldownDays < 0 {
		return fmt.Errorf("validate entry %q: cooldown days must be >= 0", e.Name)
	}
	return nil
}
