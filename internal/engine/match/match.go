// Package match pairs candidate movies with the notification keywords that
// select them. Title keywords use fuzzy search, feature keywords use exact
// set membership against the screenings' feature union.
package match

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reelwatch/internal/model"
	"reelwatch/pkg/fuzzy"
)

// TaggedKeyword is a keyword annotated with its owning entry so a match can
// be attributed back to the entries that caused it.
type TaggedKeyword struct {
	model.Keyword
	EntryID   int64
	EntryName string
}

// Result pairs one matched movie with every keyword that contributed.
// Keywords appear in evaluation order; their order carries no meaning.
type Result struct {
	Movie    model.Movie
	Keywords []TaggedKeyword
}

// EntryIDs returns the deduplicated IDs of the entries whose keywords
// contributed to this match, in first-contribution order.
func (r Result) EntryIDs() []int64 {
	seen := map[int64]struct{}{}
	var ids []int64
	for _, k := range r.Keywords {
		if _, ok := seen[k.EntryID]; ok {
			continue
		}
		seen[k.EntryID] = struct{}{}
		ids = append(ids, k.EntryID)
	}
	return ids
}

// Engine evaluates keyword filters against movies. The matching computation
// is CPU-bound and synchronous; the engine holds no per-call state and is
// safe for concurrent use.
type Engine struct {
	log zerolog.Logger

	mu        sync.RWMutex
	threshold float64
}

func New(threshold float64, log zerolog.Logger) *Engine {
	if threshold <= 0 {
		threshold = fuzzy.DefaultThreshold
	}
	return &Engine{threshold: threshold, log: log}
}

// SetThreshold replaces the fuzzy threshold, e.g. on config reload.
func (e *Engine) SetThreshold(t float64) {
	if t <= 0 {
		t = fuzzy.DefaultThreshold
	}
	e.mu.Lock()
	e.threshold = t
	e.mu.Unlock()
}

func (e *Engine) currentThreshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold
}

// Match returns the subset of movies selected by at least one keyword.
//
// A movie matched by several keywords yields a single result accumulating
// all contributing keywords. Only screenings at or after now take part in
// feature matching. When the keyword set contains feature keywords, the
// matched movies' screenings are narrowed to the ones carrying every
// feature keyword value.
func (e *Engine) Match(now time.Time, keywords []TaggedKeyword, movies []model.Movie) []Result {
	if len(keywords) == 0 || len(movies) == 0 {
		return nil
	}
	threshold := e.currentThreshold()

	featureSets := make([]map[string]struct{}, len(movies))
	for i, m := range movies {
		featureSets[i] = m.FeatureSet(now)
	}

	// Insertion-ordered aggregation keyed by movie index keeps the output
	// deterministic for identical inputs.
	byMovie := map[int]int{}
	var results []Result

	add := func(idx int, kw TaggedKeyword) {
		if pos, ok := byMovie[idx]; ok {
			results[pos].Keywords = append(results[pos].Keywords, kw)
			return
		}
		byMovie[idx] = len(results)
		results = append(results, Result{Movie: movies[idx], Keywords: []TaggedKeyword{kw}})
	}

	var featureValues []string
	for _, kw := range keywords {
		switch kw.Type {
		case model.KeywordTitle:
			for i, m := range movies {
				if fuzzy.Matches(kw.Value, m.Title, threshold) {
					add(i, kw)
				}
			}
		case model.KeywordFeature:
			value := model.NormalizeFeature(kw.Value)
			featureValues = append(featureValues, value)
			for i := range movies {
				if _, ok := featureSets[i][value]; ok {
					add(i, kw)
				}
			}
		default:
			e.log.Warn().
				Str("keyword_type", string(kw.Type)).
				Str("keyword_value", kw.Value).
				Msg("unknown keyword type, skipping")
		}
	}

	for i := range results {
		results[i].Movie.Screenings = refineScreenings(
			results[i].Movie.FutureScreenings(now), featureValues)
	}
	return results
}

// refineScreenings keeps the screenings carrying every requested feature.
// Without feature keywords the future screenings pass through unchanged.
func refineScreenings(screenings []model.Screening, features []string) []model.Screening {
	if len(features) == 0 {
		return screenings
	}
	var out []model.Screening
	for _, s := range screenings {
		set := map[string]struct{}{}
		for _, f := range s.Features {
			set[model.NormalizeFeature(f)] = struct{}{}
		}
		all := true
		for _, want := range features {
			if _, ok := set[want]; !ok {
				all = false
				break
			}
		}
		if all {
			out = append(out, s)
		}
	}
	return out
}
