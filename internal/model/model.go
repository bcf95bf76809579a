package model

import (
	"strings"
	"time"
)

// KeywordType selects the matching strategy applied to a keyword.
type KeywordType string

const (
	// KeywordTitle is matched against movie titles with fuzzy search.
	KeywordTitle KeywordType = "title"
	// KeywordFeature is matched exactly against a screening's feature set.
	KeywordFeature KeywordType = "feature"
)

// Keyword is a single matching criterion attached to an entry.
type Keyword struct {
	Type  KeywordType
	Value string
}

// Entry is a named notification filter owned by one recipient.
//
// Lifecycle state: an entry stops firing when its quota is exhausted, its
// expiry date is reached, it was deactivated, or the cooldown since the
// last delivery has not elapsed yet. Expired/exhausted entries are removed
// by cleanup unless KeepAfterExpiration is set, in which case they are
// deactivated and can be reactivated later.
type Entry struct {
	ID       int64
	Name     string
	Keywords []Keyword

	// MaxDeliveries caps how many deliveries this entry may trigger.
	// Nil means unlimited.
	MaxDeliveries  *int
	DeliveriesSent int

	// CooldownDays is the minimum number of days between two deliveries.
	// Zero is treated as the default of one day.
	CooldownDays int

	// ExpiresAt is a date (midnight UTC), not a timestamp. Comparison
	// happens at day granularity.
	ExpiresAt *time.Time

	DeactivatedAt   *time.Time
	LastDeliveredAt *time.Time

	// KeepAfterExpiration switches cleanup from delete to deactivate.
	KeepAfterExpiration bool
}

// Recipient owns notification entries and receives digests.
type Recipient struct {
	ID       int64
	Timezone string
	Locale   string

	// DigestCron is the persisted per-recipient schedule field. Recipients
	// sharing the same pattern are grouped into one schedule job at startup.
	DigestCron string

	Entries []Entry
}

// Location resolves the recipient timezone, falling back to UTC.
func (r Recipient) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// Screening is one showing of a movie.
type Screening struct {
	StartTime  time.Time
	Auditorium string
	// Features are attribute keys describing the screening, e.g. "3d", "atmos".
	Features []string
}

// Movie is a matchable content item. It is produced by the content
// acquisition collaborator; the engine only reads it.
type Movie struct {
	ID              int64
	Title           string
	Description     string
	AgeRating       string
	DurationMinutes int
	Genres          []string
	Screenings      []Screening
}

// FutureScreenings returns the screenings starting at or after now.
func (m Movie) FutureScreenings(now time.Time) []Screening {
	var out []Screening
	for _, s := range m.Screenings {
		if !s.StartTime.Before(now) {
			out = append(out, s)
		}
	}
	return out
}

// FeatureSet returns the union of feature keys across future screenings,
// lowercased and trimmed.
func (m Movie) FeatureSet(now time.Time) map[string]struct{} {
	set := map[string]struct{}{}
	for _, s := range m.FutureScreenings(now) {
		for _, f := range s.Features {
			f = NormalizeFeature(f)
			if f == "" {
				continue
			}
			set[f] = struct{}{}
		}
	}
	return set
}

// NormalizeFeature canonicalizes a feature key for exact-set matching.
func NormalizeFeature(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// ChatConfig is the broadcast destination configuration of one chat.
type ChatConfig struct {
	ChatID int64
	// BroadcastCron is the per-chat schedule pattern for broadcast jobs.
	BroadcastCron string
	// Disabled suppresses broadcast delivery without dropping the config.
	Disabled       bool
	Timezone       string
	Locale         string
	LastModifiedBy int64
}

// Location resolves the chat timezone, falling back to UTC.
func (c ChatConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}
