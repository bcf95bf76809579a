// Package lifecycle decides when a notification entry may fire and performs
// the bookkeeping after a delivery: quota counters, cooldown timestamps and
// the periodic delete-vs-deactivate cleanup.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reelwatch/internal/model"
)

// Store is the slice of persistence the lifecycle manager needs.
type Store interface {
	ListRecipients(ctx context.Context, ids []int64) ([]model.Recipient, error)
	GetEntry(ctx context.Context, recipientID int64, name string) (model.Entry, error)
	DeleteEntry(ctx context.Context, recipientID, entryID int64) error
	DeactivateEntry(ctx context.Context, recipientID, entryID int64, at time.Time) error
	// ResetEntry clears deactivation, the delivery counter and the last
	// delivery timestamp, optionally setting a new expiry date.
	ResetEntry(ctx context.Context, recipientID, entryID int64, expiresAt *time.Time) error
	// IncrementDeliveries applies the store's atomic counter increment and
	// stamps the delivery time on every given entry.
	IncrementDeliveries(ctx context.Context, recipientID int64, entryIDs []int64, at time.Time) error
}

type Manager struct {
	store Store
	log   zerolog.Logger
}

func New(store Store, log zerolog.Logger) *Manager {
	return &Manager{store: store, log: log}
}

// IsEligible reports whether the entry may fire at now. An entry is eligible
// iff its quota is not exhausted, it is not deactivated, not expired and the
// cooldown since the last delivery has elapsed.
func (m *Manager) IsEligible(e model.Entry, now time.Time) bool {
	if e.DeactivatedAt != nil {
		return false
	}
	if quotaExhausted(e) || expired(e, now) {
		return false
	}
	if e.LastDeliveredAt == nil {
		return true
	}
	cooldown := e.CooldownDays
	if cooldown <= 0 {
		cooldown = 1
	}
	return now.Sub(*e.LastDeliveredAt) >= time.Duration(cooldown)*24*time.Hour
}

// EligibleEntries returns the recipient's entries that may fire at now.
func (m *Manager) EligibleEntries(r model.Recipient, now time.Time) []model.Entry {
	var out []model.Entry
	for _, e := range r.Entries {
		if m.IsEligible(e, now) {
			out = append(out, e)
		}
	}
	return out
}

// RecordDelivery books a successful delivery batch on the given entries.
// It must be called exactly once per successful batch per entry and never
// for a skipped or failed attempt.
func (m *Manager) RecordDelivery(ctx context.Context, recipientID int64, entryIDs []int64, now time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	if err := m.store.IncrementDeliveries(ctx, recipientID, entryIDs, now); err != nil {
		return fmt.Errorf("record delivery for recipient %d: %w", recipientID, err)
	}
	return nil
}

// RunCleanup removes or deactivates every entry that became permanently
// ineligible (expired by date or quota exhausted). Entries with the
// keep-after-expiration flag are deactivated once instead of deleted.
// Running cleanup twice without intervening deliveries is a no-op the
// second time.
func (m *Manager) RunCleanup(ctx context.Context, now time.Time) error {
	recipients, err := m.store.ListRecipients(ctx, nil)
	if err != nil {
		return fmt.Errorf("cleanup: list recipients: %w", err)
	}

	var deleted, deactivated int
	for _, r := range recipients {
		for _, e := range r.Entries {
			if !expired(e, now) && !quotaExhausted(e) {
				continue
			}
			if !e.KeepAfterExpiration {
				if err := m.store.DeleteEntry(ctx, r.ID, e.ID); err != nil {
					m.log.Error().Err(err).
						Int64("recipient_id", r.ID).
						Str("entry", e.Name).
						Msg("failed to delete expired entry")
					continue
				}
				deleted++
				continue
			}
			if e.DeactivatedAt != nil {
				continue
			}
			if err := m.store.DeactivateEntry(ctx, r.ID, e.ID, now); err != nil {
				m.log.Error().Err(err).
					Int64("recipient_id", r.ID).
					Str("entry", e.Name).
					Msg("failed to deactivate expired entry")
				continue
			}
			deactivated++
		}
	}

	m.log.Info().
		Int("deleted", deleted).
		Int("deactivated", deactivated).
		Msg("entry cleanup finished")
	return nil
}

// Reactivate brings a deactivated entry back: deactivation and delivery
// bookkeeping are cleared and an optional new expiry date is set. An entry
// that is not deactivated is rejected with model.ErrNotDeactivated.
func (m *Manager) Reactivate(ctx context.Context, recipientID int64, name string, newExpiresAt *time.Time) error {
	e, err := m.store.GetEntry(ctx, recipientID, name)
	if err != nil {
		return fmt.Errorf("reactivate %q: %w", name, err)
	}
	if e.DeactivatedAt == nil {
		return fmt.Errorf("reactivate %q: %w", name, model.ErrNotDeactivated)
	}
	if err := m.store.ResetEntry(ctx, recipientID, e.ID, newExpiresAt); err != nil {
		return fmt.Errorf("reactivate %q: %w", name, err)
	}
	m.log.Info().
		Int64("recipient_id", recipientID).
		Str("entry", name).
		Msg("entry reactivated")
	return nil
}

func quotaExhausted(e model.Entry) bool {
	return e.MaxDeliveries != nil && e.DeliveriesSent >= *e.MaxDeliveries
}

// expired compares at day granularity in UTC: the expiry day itself already
// counts as expired.
func expired(e model.Entry, now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return !dayUTC(*e.ExpiresAt).After(dayUTC(now))
}

func dayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
