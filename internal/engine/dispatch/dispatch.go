// Package dispatch orchestrates one schedule tick: load candidates, filter
// eligible entries, run the matcher and hand results to the delivery
// channel. A failing recipient never aborts the rest of the batch.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reelwatch/internal/engine/lifecycle"
	"reelwatch/internal/engine/match"
	"reelwatch/internal/model"
)

// Channel delivers matched content. Rendering to human-readable text is the
// channel's concern, not the engine's.
type Channel interface {
	SendDigest(ctx context.Context, r model.Recipient, results []match.Result) error
	SendBroadcast(ctx context.Context, chat model.ChatConfig, movies []model.Movie) error
}

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	ListRecipients(ctx context.Context, ids []int64) ([]model.Recipient, error)
	MoviesWithFutureScreenings(ctx context.Context, now time.Time) ([]model.Movie, error)
	GetChatConfig(ctx context.Context, chatID int64) (model.ChatConfig, error)
}

// Failure identifies one member that could not be delivered to.
type Failure struct {
	MemberID int64
	Reason   string
}

// BatchReport summarizes one batch run.
type BatchReport struct {
	Succeeded int
	Skipped   int
	Failures  []Failure
}

func (r *BatchReport) fail(id int64, err error) {
	r.Failures = append(r.Failures, Failure{MemberID: id, Reason: err.Error()})
}

type Dispatcher struct {
	store     Store
	matcher   *match.Engine
	lifecycle *lifecycle.Manager
	channel   Channel
	log       zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(store Store, matcher *match.Engine, lc *lifecycle.Manager, channel Channel, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		matcher:   matcher,
		lifecycle: lc,
		channel:   channel,
		log:       log,
		now:       time.Now,
	}
}

// RunDigest loads the given recipients and the candidate movies, then runs
// the digest batch. A store failure while loading aborts the whole run; the
// job simply runs again at its next tick.
func (d *Dispatcher) RunDigest(ctx context.Context, memberIDs []int64) (BatchReport, error) {
	now := d.now().UTC()

	recipients, err := d.store.ListRecipients(ctx, memberIDs)
	if err != nil {
		return BatchReport{}, fmt.Errorf("digest batch: load recipients: %w", err)
	}
	if len(recipients) == 0 {
		d.log.Debug().Msg("no recipients to notify, skipping")
		return BatchReport{}, nil
	}
	movies, err := d.store.MoviesWithFutureScreenings(ctx, now)
	if err != nil {
		return BatchReport{}, fmt.Errorf("digest batch: load movies: %w", err)
	}
	if len(movies) == 0 {
		d.log.Debug().Msg("no movies with future screenings, skipping")
		return BatchReport{}, nil
	}
	return d.RunBatch(ctx, recipients, movies), nil
}

// RunBatch runs the eligibility -> match -> deliver -> record pipeline over
// the given recipients. Recipients are processed sequentially to keep
// delivery rate limits predictable.
func (d *Dispatcher) RunBatch(ctx context.Context, recipients []model.Recipient, movies []model.Movie) BatchReport {
	now := d.now().UTC()
	var report BatchReport

	for _, r := range recipients {
		log := d.log.With().Int64("recipient_id", r.ID).Logger()

		eligible := d.lifecycle.EligibleEntries(r, now)
		if len(eligible) == 0 {
			log.Debug().Msg("no eligible entries, skipping recipient")
			report.Skipped++
			continue
		}

		var keywords []match.TaggedKeyword
		for _, e := range eligible {
			for _, k := range e.Keywords {
				keywords = append(keywords, match.TaggedKeyword{
					Keyword:   k,
					EntryID:   e.ID,
					EntryName: e.Name,
				})
			}
		}

		results := d.matcher.Match(now, keywords, movies)
		if len(results) == 0 {
			log.Debug().Msg("no matches for recipient, skipping")
			report.Skipped++
			continue
		}

		if err := d.channel.SendDigest(ctx, r, results); err != nil {
			log.Error().Err(err).Int("matches", len(results)).Msg("digest delivery failed")
			report.fail(r.ID, err)
			continue
		}

		entryIDs := contributingEntries(results)
		if err := d.lifecycle.RecordDelivery(ctx, r.ID, entryIDs, now); err != nil {
			// The message is out; bookkeeping stays stale until the next
			// successful write.
			log.Error().Err(err).Msg("delivery sent but recording failed")
		}
		log.Info().Int("matches", len(results)).Int("entries", len(entryIDs)).Msg("digest delivered")
		report.Succeeded++
	}
	return report
}

// RunBroadcast sends the current movie list to every configured chat.
// Chats without a configuration or with delivery disabled are skipped;
// broadcast destinations carry no quota or cooldown.
func (d *Dispatcher) RunBroadcast(ctx context.Context, chatIDs []int64) (BatchReport, error) {
	now := d.now().UTC()
	var report BatchReport

	movies, err := d.store.MoviesWithFutureScreenings(ctx, now)
	if err != nil {
		return BatchReport{}, fmt.Errorf("broadcast batch: load movies: %w", err)
	}
	if len(movies) == 0 {
		d.log.Debug().Msg("no movies with future screenings, skipping broadcast")
		return BatchReport{}, nil
	}

	for _, chatID := range chatIDs {
		log := d.log.With().Int64("chat_id", chatID).Logger()

		cfg, err := d.store.GetChatConfig(ctx, chatID)
		if err != nil {
			log.Warn().Err(err).Msg("chat configuration lookup failed, skipping")
			report.fail(chatID, err)
			continue
		}
		if cfg.Disabled {
			log.Debug().Msg("broadcast disabled for chat, skipping")
			report.Skipped++
			continue
		}
		if err := d.channel.SendBroadcast(ctx, cfg, movies); err != nil {
			log.Error().Err(err).Msg("broadcast delivery failed")
			report.fail(chatID, err)
			continue
		}
		log.Info().Int("movies", len(movies)).Msg("broadcast delivered")
		report.Succeeded++
	}
	return report, nil
}

func contributingEntries(results []match.Result) []int64 {
	seen := map[int64]struct{}{}
	var ids []int64
	for _, res := range results {
		for _, id := range res.EntryIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
