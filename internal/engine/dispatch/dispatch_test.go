package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reelwatch/internal/engine/lifecycle"
	"reelwatch/internal/engine/match"
	"reelwatch/internal/model"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int              { return &v }
func timePtr(t time.Time) *time.Time { return &t }

// memStore backs both the dispatcher and the lifecycle manager so recorded
// deliveries are visible to the next batch run.
type memStore struct {
	recipients []model.Recipient
	movies     []model.Movie
	chats      map[int64]model.ChatConfig
}

func (s *memStore) ListRecipients(_ context.Context, ids []int64) ([]model.Recipient, error) {
	if ids == nil {
		return s.recipients, nil
	}
	var out []model.Recipient
	for _, r := range s.recipients {
		for _, id := range ids {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *memStore) MoviesWithFutureScreenings(_ context.Context, at time.Time) ([]model.Movie, error) {
	var out []model.Movie
	for _, m := range s.movies {
		if len(m.FutureScreenings(at)) > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetChatConfig(_ context.Context, chatID int64) (model.ChatConfig, error) {
	cfg, ok := s.chats[chatID]
	if !ok {
		return model.ChatConfig{}, model.ErrNotFound
	}
	return cfg, nil
}

func (s *memStore) GetEntry(_ context.Context, recipientID int64, name string) (model.Entry, error) {
	for _, r := range s.recipients {
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

func (s *memStore) DeleteEntry(_ context.Context, recipientID, entryID int64) error {
	return s.mutate(recipientID, entryID, nil)
}

func (s *memStore) DeactivateEntry(_ context.Context, recipientID, entryID int64, at time.Time) error {
	return s.mutate(recipientID, entryID, func(e *model.Entry) { e.DeactivatedAt = timePtr(at) })
}

func (s *memStore) ResetEntry(_ context.Context, recipientID, entryID int64, _ *time.Time) error {
	return s.mutate(recipientID, entryID, func(e *model.Entry) {
		e.DeactivatedAt = nil
		e.LastDeliveredAt = nil
		e.DeliveriesSent = 0
	})
}

func (s *memStore) IncrementDeliveries(_ context.Context, recipientID int64, entryIDs []int64, at time.Time) error {
	for _, id := range entryIDs {
		if err := s.mutate(recipientID, id, func(e *model.Entry) {
			e.DeliveriesSent++
			e.LastDeliveredAt = timePtr(at)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) mutate(recipientID, entryID int64, fn func(*model.Entry)) error {
	for ri, r := range s.recipients {
		if r.ID != recipientID {
			continue
		}
		for ei := range r.Entries {
			if r.Entries[ei].ID == entryID {
				if fn == nil {
					s.recipients[ri].Entries = append(r.Entries[:ei], r.Entries[ei+1:]...)
				} else {
					fn(&s.recipients[ri].Entries[ei])
				}
				return nil
			}
		}
	}
	return model.ErrNotFound
}

type fakeChannel struct {
	digests    []int64
	broadcasts []int64
	failFor    map[int64]error
}

func (c *fakeChannel) SendDigest(_ context.Context, r model.Recipient, _ []match.Result) error {
	if err := c.failFor[r.ID]; err != nil {
		return err
	}
	c.digests = append(c.digests, r.ID)
	return nil
}

func (c *fakeChannel) SendBroadcast(_ context.Context, chat model.ChatConfig, _ []model.Movie) error {
	if err := c.failFor[chat.ChatID]; err != nil {
		return err
	}
	c.broadcasts = append(c.broadcasts, chat.ChatID)
	return nil
}

func newDispatcher(store *memStore, ch Channel) *Dispatcher {
	lc := lifecycle.New(store, zerolog.Nop())
	d := New(store, match.New(0.3, zerolog.Nop()), lc, ch, zerolog.Nop())
	d.now = func() time.Time { return now }
	return d
}

func duneMovie() model.Movie {
	return model.Movie{
		ID:    1,
		Title: "Dune: Part Two",
		Screenings: []model.Screening{
			{StartTime: now.Add(3 * time.Hour), Auditorium: "1", Features: []string{"3d"}},
		},
	}
}

func duneRecipient(id int64, entry model.Entry) model.Recipient {
	return model.Recipient{ID: id, Timezone: "UTC", Locale: "en-US", Entries: []model.Entry{entry}}
}

func TestRunDigestRecordsDeliveryAndExhaustsQuota(t *testing.T) {
	t.Parallel()
	store := &memStore{
		recipients: []model.Recipient{duneRecipient(7, model.Entry{
			ID:            1,
			Name:          "A",
			MaxDeliveries: intPtr(1),
			CooldownDays:  1,
			Keywords:      []model.Keyword{{Type: model.KeywordTitle, Value: "dune"}},
		})},
		movies: []model.Movie{duneMovie()},
	}
	ch := &fakeChannel{}
	d := newDispatcher(store, ch)

	report, err := d.RunDigest(context.Background(), []int64{7})
	if err != nil {
		t.Fatalf("RunDigest: %v", err)
	}
	if report.Succeeded != 1 || len(report.Failures) != 0 {
		t.Fatalf("report = %+v, want one success", report)
	}
	e := store.recipients[0].Entries[0]
	if e.DeliveriesSent != 1 {
		t.Fatalf("DeliveriesSent = %d, want 1", e.DeliveriesSent)
	}
	if e.LastDeliveredAt == nil || !e.LastDeliveredAt.Equal(now) {
		t.Fatalf("LastDeliveredAt = %v, want %v", e.LastDeliveredAt, now)
	}

	// Second run immediately after: quota exhausted, recipient is skipped.
	report, err = d.RunDigest(context.Background(), []int64{7})
	if err != nil {
		t.Fatalf("second RunDigest: %v", err)
	}
	if report.Succeeded != 0 || report.Skipped != 1 {
		t.Fatalf("second report = %+v, want one skip", report)
	}
	if len(ch.digests) != 1 {
		t.Fatalf("sent %d digests, want 1", len(ch.digests))
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	t.Parallel()
	entry := func(id int64) model.Entry {
		return model.Entry{ID: id, Name: "watch", Keywords: []model.Keyword{{Type: model.KeywordTitle, Value: "dune"}}}
	}
	store := &memStore{
		recipients: []model.Recipient{duneRecipient(1, entry(10)), duneRecipient(2, entry(20))},
		movies:     []model.Movie{duneMovie()},
	}
	ch := &fakeChannel{failFor: map[int64]error{1: errors.New("chat unreachable")}}
	d := newDispatcher(store, ch)

	report := d.RunBatch(context.Background(), store.recipients, store.movies)
	if report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", report.Succeeded)
	}
	if len(report.Failures) != 1 || report.Failures[0].MemberID != 1 {
		t.Fatalf("Failures = %+v, want recipient 1", report.Failures)
	}
	// The failed recipient must not have its delivery recorded.
	if got := store.recipients[0].Entries[0].DeliveriesSent; got != 0 {
		t.Fatalf("failed recipient DeliveriesSent = %d, want 0", got)
	}
	if got := store.recipients[1].Entries[0].DeliveriesSent; got != 1 {
		t.Fatalf("succeeded recipient DeliveriesSent = %d, want 1", got)
	}
}

func TestRunBatchSkipsWithoutMatches(t *testing.T) {
	t.Parallel()
	store := &memStore{
		recipients: []model.Recipient{duneRecipient(1, model.Entry{
			ID:       1,
			Name:     "quiet",
			Keywords: []model.Keyword{{Type: model.KeywordTitle, Value: "nonexistentxyz"}},
		})},
		movies: []model.Movie{duneMovie()},
	}
	ch := &fakeChannel{}
	d := newDispatcher(store, ch)

	report := d.RunBatch(context.Background(), store.recipients, store.movies)
	if report.Skipped != 1 || report.Succeeded != 0 || len(report.Failures) != 0 {
		t.Fatalf("report = %+v, want silent skip", report)
	}
	if len(ch.digests) != 0 {
		t.Fatal("no digest should have been sent")
	}
}

func TestRunBroadcast(t *testing.T) {
	t.Parallel()
	store := &memStore{
		movies: []model.Movie{duneMovie()},
		chats: map[int64]model.ChatConfig{
			100: {ChatID: 100, Timezone: "UTC"},
			200: {ChatID: 200, Disabled: true},
		},
	}
	ch := &fakeChannel{}
	d := newDispatcher(store, ch)

	report, err := d.RunBroadcast(context.Background(), []int64{100, 200, 300})
	if err != nil {
		t.Fatalf("RunBroadcast: %v", err)
	}
	if report.Succeeded != 1 || report.Skipped != 1 || len(report.Failures) != 1 {
		t.Fatalf("report = %+v, want 1 success, 1 skip, 1 failure", report)
	}
	if report.Failures[0].MemberID != 300 {
		t.Fatalf("failure = %+v, want missing-config chat 300", report.Failures[0])
	}
	if len(ch.broadcasts) != 1 || ch.broadcasts[0] != 100 {
		t.Fatalf("broadcasts = %v, want [100]", ch.broadcasts)
	}
}
