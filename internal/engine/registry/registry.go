// Package registry owns the set of running schedule jobs. Each job binds
// one cron pattern and one job kind to a membership set and fires the
// dispatcher on every tick. Membership changes are applied through a
// pending/active snapshot swap at tick boundaries so a running tick never
// observes a half-mutated set.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reelwatch/internal/model"
)

// Kind distinguishes the two job flavors sharing the registry.
type Kind string

const (
	// KindBroadcast jobs notify shared chat destinations.
	KindBroadcast Kind = "broadcast"
	// KindDigest jobs notify individual recipients about keyword matches.
	KindDigest Kind = "digest"
)

// TickFunc runs one job execution for the given members.
type TickFunc func(ctx context.Context, kind Kind, members []int64) error

type jobKey struct {
	pattern string
	kind    Kind
}

// job is a running timer bound to one schedule group. The active set is
// owned by the job; moves only ever touch the pending set, which the next
// tick swaps in before reading membership.
type job struct {
	key     jobKey
	entryID cron.EntryID

	mu      sync.Mutex
	active  map[int64]struct{}
	pending map[int64]struct{}
}

// JobStatus is a read-only snapshot of one job for introspection.
type JobStatus struct {
	Pattern string
	Kind    Kind
	Active  []int64
	// Pending is nil when no membership change is queued.
	Pending []int64
}

// Registry indexes running jobs by (pattern, kind) and drives them off one
// shared cron runner. Every entry executes in its own goroutine, so ticks
// of different schedule groups run concurrently.
type Registry struct {
	log  zerolog.Logger
	tick TickFunc

	tickTimeout time.Duration

	mu     sync.Mutex
	parser cron.Parser
	c      *cron.Cron
	jobs   map[jobKey]*job

	runCtx context.Context
}

func New(tick TickFunc, tickTimeout time.Duration, log zerolog.Logger) *Registry {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Registry{
		log:         log,
		tick:        tick,
		tickTimeout: tickTimeout,
		parser:      parser,
		c:           cron.New(cron.WithParser(parser)),
		jobs:        map[jobKey]*job{},
		runCtx:      context.Background(),
	}
}

// Start begins firing registered jobs. Jobs may be registered before and
// after Start.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()
	r.c.Start()
	r.log.Info().Msg("schedule registry started")
}

// Stop halts the cron runner and waits for in-flight ticks to finish.
func (r *Registry) Stop() {
	<-r.c.Stop().Done()
	r.log.Info().Msg("schedule registry stopped")
}

// ValidatePattern checks a cron pattern against the registry's parser
// without registering anything. Used to vet configuration before commit.
func (r *Registry) ValidatePattern(pattern string) error {
	if _, err := r.parser.Parse(pattern); err != nil {
		return fmt.Errorf("%w: %q: %v", model.ErrInvalidSchedule, pattern, err)
	}
	return nil
}

// EnsureJob registers a recurring job for (pattern, kind) with the given
// initial members. Registration is idempotent: an existing job is left
// untouched and no duplicate timer is created. A malformed pattern is
// rejected with model.ErrInvalidSchedule before any state changes.
func (r *Registry) EnsureJob(pattern string, kind Kind, members []int64) error {
	if _, err := r.parser.Parse(pattern); err != nil {
		return fmt.Errorf("%w: %q: %v", model.ErrInvalidSchedule, pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureJobLocked(pattern, kind, members)
}

func (r *Registry) ensureJobLocked(pattern string, kind Kind, members []int64) error {
	key := jobKey{pattern: pattern, kind: kind}
	if _, ok := r.jobs[key]; ok {
		r.log.Warn().
			Str("pattern", pattern).
			Str("kind", string(kind)).
			Msg("job with same pattern already registered, skipping")
		return nil
	}

	j := &job{key: key, active: map[int64]struct{}{}}
	for _, id := range members {
		j.active[id] = struct{}{}
	}

	entryID, err := r.c.AddFunc(pattern, func() { r.runJob(j) })
	if err != nil {
		return fmt.Errorf("%w: %q: %v", model.ErrInvalidSchedule, pattern, err)
	}
	j.entryID = entryID
	r.jobs[key] = j

	r.log.Info().
		Str("pattern", pattern).
		Str("kind", string(kind)).
		Int("members", len(members)).
		Msg("new schedule job registered")
	return nil
}

// MoveMember removes the member from the job matching oldPattern (when set)
// and adds it to the job matching newPattern, creating that job when it
// does not exist. Both mutations go through the pending snapshot and take
// effect at the target job's next tick, so a mid-execution tick keeps its
// consistent membership view.
func (r *Registry) MoveMember(memberID int64, kind Kind, newPattern, oldPattern string) error {
	// Validate before touching any membership so a malformed target leaves
	// the old job unchanged.
	if _, err := r.parser.Parse(newPattern); err != nil {
		return fmt.Errorf("%w: %q: %v", model.ErrInvalidSchedule, newPattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.log.With().
		Int64("member_id", memberID).
		Str("kind", string(kind)).
		Str("new_pattern", newPattern).
		Str("old_pattern", oldPattern).
		Logger()

	if oldPattern != "" {
		if old, ok := r.jobs[jobKey{pattern: oldPattern, kind: kind}]; ok {
			log.Info().Msg("removing member from old job")
			old.stage(func(set map[int64]struct{}) { delete(set, memberID) })
		}
	}

	if next, ok := r.jobs[jobKey{pattern: newPattern, kind: kind}]; ok {
		log.Info().Msg("adding member to existing job")
		next.stage(func(set map[int64]struct{}) { set[memberID] = struct{}{} })
		return nil
	}
	return r.ensureJobLocked(newPattern, kind, []int64{memberID})
}

// stage mutates the pending snapshot, cloning the active set on the first
// mutation since the last tick. The active set itself is never touched
// outside a tick boundary.
func (j *job) stage(mutate func(map[int64]struct{})) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.pending == nil {
		j.pending = make(map[int64]struct{}, len(j.active))
		for id := range j.active {
			j.pending[id] = struct{}{}
		}
	}
	mutate(j.pending)
}

// runJob is one tick: swap in a queued membership change, stop permanently
// when membership is empty, otherwise execute. A tick error is logged with
// the next scheduled run and never stops the job.
func (r *Registry) runJob(j *job) {
	j.mu.Lock()
	if j.pending != nil {
		j.active = j.pending
		j.pending = nil
	}
	members := make([]int64, 0, len(j.active))
	for id := range j.active {
		members = append(members, id)
	}
	j.mu.Unlock()

	log := r.log.With().
		Str("pattern", j.key.pattern).
		Str("kind", string(j.key.kind)).
		Logger()

	if len(members) == 0 {
		log.Info().Msg("job has no more members, stopping job")
		r.removeJob(j)
		return
	}
	sort.Slice(members, func(a, b int) bool { return members[a] < members[b] })

	r.mu.Lock()
	ctx := r.runCtx
	entryID := j.entryID
	r.mu.Unlock()
	if r.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.tickTimeout)
		defer cancel()
	}

	if err := r.tick(ctx, j.key.kind, members); err != nil {
		log.Error().Err(err).
			Time("next_schedule_at", r.nextRun(entryID)).
			Msg("error during job execution")
	}
}

// removeJob stops an emptied job. The empty-membership decision was made
// outside the registry lock, so it is re-validated here: a membership add
// staged since the tick's swap revives the job instead of stopping it, and
// a stale tick of a job that was already replaced under the same key must
// not evict the fresh registration or its timer.
func (r *Registry) removeJob(j *job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[j.key] != j {
		return
	}

	j.mu.Lock()
	if len(j.pending) > 0 {
		j.active = j.pending
		j.pending = nil
		j.mu.Unlock()
		r.log.Info().
			Str("pattern", j.key.pattern).
			Str("kind", string(j.key.kind)).
			Msg("membership staged while stopping, keeping job")
		return
	}
	j.pending = nil
	j.mu.Unlock()

	r.c.Remove(j.entryID)
	delete(r.jobs, j.key)
}

// AddFixed registers a plain recurring job without membership, e.g. the
// entry cleanup. Errors are logged with the next scheduled run; the job
// never stops itself.
func (r *Registry) AddFixed(name, pattern string, fn func(ctx context.Context) error) error {
	if _, err := r.parser.Parse(pattern); err != nil {
		return fmt.Errorf("%w: %q: %v", model.ErrInvalidSchedule, pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The closure reads the entry ID under r.mu: AddFunc returns the ID
	// only after registration, while the first tick may already be firing.
	var entryID cron.EntryID
	id, err := r.c.AddFunc(pattern, func() {
		r.mu.Lock()
		ctx := r.runCtx
		eid := entryID
		r.mu.Unlock()
		if r.tickTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.tickTimeout)
			defer cancel()
		}
		if err := fn(ctx); err != nil {
			r.log.Error().Err(err).
				Str("job", name).
				Time("next_schedule_at", r.nextRun(eid)).
				Msg("error during job execution")
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %v", model.ErrInvalidSchedule, pattern, err)
	}
	entryID = id
	r.log.Info().Str("job", name).Str("pattern", pattern).Msg("fixed job registered")
	return nil
}

func (r *Registry) nextRun(id cron.EntryID) time.Time {
	return r.c.Entry(id).Next
}

// Jobs returns a snapshot of all registered jobs, sorted for stable output.
func (r *Registry) Jobs() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		j.mu.Lock()
		st := JobStatus{
			Pattern: j.key.pattern,
			Kind:    j.key.kind,
			Active:  sortedIDs(j.active),
		}
		if j.pending != nil {
			st.Pending = sortedIDs(j.pending)
			if st.Pending == nil {
				st.Pending = []int64{}
			}
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Kind != out[b].Kind {
			return out[a].Kind < out[b].Kind
		}
		return out[a].Pattern < out[b].Pattern
	})
	return out
}

func sortedIDs(set map[int64]struct{}) []int64 {
	if len(set) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}
