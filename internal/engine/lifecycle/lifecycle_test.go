package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reelwatch/internal/model"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int            { return &v }
func timePtr(t time.Time) *time.Time { return &t }

// fakeStore keeps recipients in memory and mimics the store's entry
// mutations closely enough for lifecycle behavior.
type fakeStore struct {
	recipients []model.Recipient
}

func (f *fakeStore) ListRecipients(_ context.Context, ids []int64) ([]model.Recipient, error) {
	if ids == nil {
		return f.recipients, nil
	}
	var out []model.Recipient
	for _, r := range f.recipients {
		for _, id := range ids {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetEntry(_ context.Context, recipientID int64, name string) (model.Entry, error) {
	for _, r := range f.recipients {
		if r.ID != recipientID {
			continue
		}
		for _, e := range r.Entries {
			if e.Name == name {
				return e, nil
			}
		}
	}
	return model.Entry{}, model.ErrNotFound
}

func (f *fakeStore) DeleteEntry(_ context.Context, recipientID, entryID int64) error {
	for ri, r := range f.recipients {
		if r.ID != recipientID {
			continue
		}
		for ei, e := range r.Entries {
			if e.ID == entryID {
				f.recipients[ri].Entries = append(r.Entries[:ei], r.Entries[ei+1:]...)
				return nil
			}
		}
	}
	return model.ErrNotFound
}

func (f *fakeStore) DeactivateEntry(_ context.Context, recipientID, entryID int64, at time.Time) error {
	return f.mutate(recipientID, entryID, func(e *model.Entry) {
		e.DeactivatedAt = timePtr(at)
	})
}

func (f *fakeStore) ResetEntry(_ context.Context, recipientID, entryID int64, expiresAt *time.Time) error {
	return f.mutate(recipientID, entryID, func(e *model.Entry) {
		e.DeactivatedAt = nil
		e.LastDeliveredAt = nil
		e.DeliveriesSent = 0
		if expiresAt != nil {
			e.ExpiresAt = expiresAt
		}
	})
}

func (f *fakeStore) IncrementDeliveries(_ context.Context, recipientID int64, entryIDs []int64, at time.Time) error {
	for _, id := range entryIDs {
		if err := f.mutate(recipientID, id, func(e *model.Entry) {
			e.DeliveriesSent++
			e.LastDeliveredAt = timePtr(at)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) mutate(recipientID, entryID int64, fn func(*model.Entry)) error {
	for ri, r := range f.recipients {
		if r.ID != recipientID {
			continue
		}
		for ei := range r.Entries {
			if r.Entries[ei].ID == entryID {
				fn(&f.recipients[ri].Entries[ei])
				return nil
			}
		}
	}
	return model.ErrNotFound
}

func TestIsEligible(t *testing.T) {
	t.Parallel()
	m := New(&fakeStore{}, zerolog.Nop())

	tests := []struct {
		name  string
		entry model.Entry
		want  bool
	}{
		{name: "fresh entry", entry: model.Entry{}, want: true},
		{
			name:  "deactivated wins over everything",
			entry: model.Entry{DeactivatedAt: timePtr(now)},
			want:  false,
		},
		{
			name:  "quota exhausted",
			entry: model.Entry{MaxDeliveries: intPtr(2), DeliveriesSent: 2},
			want:  false,
		},
		{
			name:  "quota remaining",
			entry: model.Entry{MaxDeliveries: intPtr(2), DeliveriesSent: 1},
			want:  true,
		},
		{
			name:  "no quota tracked",
			entry: model.Entry{DeliveriesSent: 100},
			want:  true,
		},
		{
			name:  "expired yesterday",
			entry: model.Entry{ExpiresAt: timePtr(now.AddDate(0, 0, -1))},
			want:  false,
		},
		{
			name:  "expires on the current day",
			entry: model.Entry{ExpiresAt: timePtr(now)},
			want:  false,
		},
		{
			name:  "expires tomorrow",
			entry: model.Entry{ExpiresAt: timePtr(now.AddDate(0, 0, 1))},
			want:  true,
		},
		{
			name:  "cooldown active (default 1 day)",
			entry: model.Entry{LastDeliveredAt: timePtr(now.Add(-2 * time.Hour))},
			want:  false,
		},
		{
			name:  "cooldown elapsed",
			entry: model.Entry{LastDeliveredAt: timePtr(now.Add(-25 * time.Hour))},
			want:  true,
		},
		{
			name:  "custom cooldown still active",
			entry: model.Entry{CooldownDays: 3, LastDeliveredAt: timePtr(now.Add(-48 * time.Hour))},
			want:  false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := m.IsEligible(tt.entry, now); got != tt.want {
				t.Fatalf("IsEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuotaReachedAfterRecordedDeliveries(t *testing.T) {
	t.Parallel()
	store := &fakeStore{recipients: []model.Recipient{{
		ID:      7,
		Entries: []model.Entry{{ID: 1, Name: "A", MaxDeliveries: intPtr(2), Keywords: []model.Keyword{{Type: model.KeywordTitle, Value: "x"}}}},
	}}}
	m := New(store, zerolog.Nop())

	for i := 0; i < 2; i++ {
		at := now.AddDate(0, 0, i)
		if err := m.RecordDelivery(context.Background(), 7, []int64{1}, at); err != nil {
			t.Fatalf("RecordDelivery: %v", err)
		}
	}
	e := store.recipients[0].Entries[0]
	if e.DeliveriesSent != 2 {
		t.Fatalf("DeliveriesSent = %d, want 2", e.DeliveriesSent)
	}
	if m.IsEligible(e, now.AddDate(0, 0, 5)) {
		t.Fatal("entry with exhausted quota must not be eligible")
	}
}

func TestRunCleanupDeleteVsDeactivate(t *testing.T) {
	t.Parallel()
	yesterday := now.AddDate(0, 0, -1)
	store := &fakeStore{recipients: []model.Recipient{{
		ID: 1,
		Entries: []model.Entry{
			{ID: 1, Name: "drop-me", ExpiresAt: timePtr(yesterday)},
			{ID: 2, Name: "keep-me", ExpiresAt: timePtr(yesterday), KeepAfterExpiration: true},
			{ID: 3, Name: "exhausted", MaxDeliveries: intPtr(1), DeliveriesSent: 1},
			{ID: 4, Name: "alive", ExpiresAt: timePtr(now.AddDate(0, 0, 7))},
		},
	}}}
	m := New(store, zerolog.Nop())

	if err := m.RunCleanup(context.Background(), now); err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}

	entries := store.recipients[0].Entries
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (deleted entries removed)", len(entries))
	}
	if entries[0].Name != "keep-me" || entries[0].DeactivatedAt == nil {
		t.Fatalf("keep-me = %+v, want deactivated and still present", entries[0])
	}
	if entries[1].Name != "alive" || entries[1].DeactivatedAt != nil {
		t.Fatalf("alive = %+v, want untouched", entries[1])
	}
}

func TestRunCleanupIdempotent(t *testing.T) {
	t.Parallel()
	yesterday := now.AddDate(0, 0, -1)
	store := &fakeStore{recipients: []model.Recipient{{
		ID: 1,
		Entries: []model.Entry{
			{ID: 1, Name: "keep", ExpiresAt: timePtr(yesterday), KeepAfterExpiration: true},
			{ID: 2, Name: "drop", ExpiresAt: timePtr(yesterday)},
		},
	}}}
	m := New(store, zerolog.Nop())

	if err := m.RunCleanup(context.Background(), now); err != nil {
		t.Fatalf("first RunCleanup: %v", err)
	}
	snapshot := make([]model.Recipient, len(store.recipients))
	for i, r := range store.recipients {
		snapshot[i] = r
		snapshot[i].Entries = append([]model.Entry(nil), r.Entries...)
	}

	if err := m.RunCleanup(context.Background(), now); err != nil {
		t.Fatalf("second RunCleanup: %v", err)
	}
	if !reflect.DeepEqual(snapshot, store.recipients) {
		t.Fatalf("second cleanup changed state:\nbefore %+v\nafter  %+v", snapshot, store.recipients)
	}
}

func TestReactivate(t *testing.T) {
	t.Parallel()
	store := &fakeStore{recipients: []model.Recipient{{
		ID: 1,
		Entries: []model.Entry{
			{ID: 1, Name: "sleeping", DeactivatedAt: timePtr(now), DeliveriesSent: 3, LastDeliveredAt: timePtr(now)},
			{ID: 2, Name: "awake"},
		},
	}}}
	m := New(store, zerolog.Nop())

	newExpiry := now.AddDate(0, 1, 0)
	if err := m.Reactivate(context.Background(), 1, "sleeping", timePtr(newExpiry)); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	e := store.recipients[0].Entries[0]
	if e.DeactivatedAt != nil || e.DeliveriesSent != 0 || e.LastDeliveredAt != nil {
		t.Fatalf("entry after reactivate = %+v, want cleared lifecycle state", e)
	}
	if e.ExpiresAt == nil || !e.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("ExpiresAt = %v, want %v", e.ExpiresAt, newExpiry)
	}

	err := m.Reactivate(context.Background(), 1, "awake", nil)
	if !errors.Is(err, model.ErrNotDeactivated) {
		t.Fatalf("err = %v, want ErrNotDeactivated", err)
	}
	if store.recipients[0].Entries[1].DeactivatedAt != nil {
		t.Fatal("active entry must stay unchanged after failed reactivate")
	}

	if err := m.Reactivate(context.Background(), 1, "missing", nil); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
