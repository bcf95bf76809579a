package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"reelwatch/internal/model"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func openSQLite(cfg Config, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- recipients ----

func (s *sqliteStore) UpsertRecipient(ctx context.Context, r model.Recipient) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, timezone, locale, digest_cron, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   timezone=excluded.timezone,
		   locale=excluded.locale,
		   digest_cron=excluded.digest_cron,
		   updated_at=excluded.updated_at`,
		r.ID, r.Timezone, r.Locale, r.DigestCron, now, now,
	)
	return err
}

func (s *sqliteStore) ListRecipients(ctx context.Context, ids []int64) ([]model.Recipient, error) {
	query := `SELECT id, timezone, locale, digest_cron FROM recipients`
	var args []any
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		query += ` WHERE id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []model.Recipient
	index := map[int64]int{}
	for rows.Next() {
		var r model.Recipient
		if err := rows.Scan(&r.ID, &r.Timezone, &r.Locale, &r.DigestCron); err != nil {
			return nil, err
		}
		index[r.ID] = len(recipients)
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	entryOwner := map[int64]int64{} // entry ID -> recipient ID
	if err := s.loadEntries(ctx, recipients, index, entryOwner); err != nil {
		return nil, err
	}
	if err := s.loadKeywords(ctx, recipients, index, entryOwner); err != nil {
		return nil, err
	}
	return recipients, nil
}

func (s *sqliteStore) loadEntries(ctx context.Context, recipients []model.Recipient, index map[int64]int, entryOwner map[int64]int64) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, name, max_deliveries, deliveries_sent, cooldown_days,
		        expires_at, deactivated_at, last_delivered_at, keep_after_expiration
		 FROM entries ORDER BY recipient_id, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e           model.Entry
			recipientID int64
			maxDel      sql.NullInt64
			expires     sql.NullString
			deactivated sql.NullString
			lastSent    sql.NullString
		)
		if err := rows.Scan(&e.ID, &recipientID, &e.Name, &maxDel, &e.DeliveriesSent,
			&e.CooldownDays, &expires, &deactivated, &lastSent, &e.KeepAfterExpiration); err != nil {
			return err
		}
		pos, ok := index[recipientID]
		if !ok {
			continue
		}
		if maxDel.Valid {
			v := int(maxDel.Int64)
			e.MaxDeliveries = &v
		}
		if e.ExpiresAt, err = parseTimePtr(expires); err != nil {
			return err
		}
		if e.DeactivatedAt, err = parseTimePtr(deactivated); err != nil {
			return err
		}
		if e.LastDeliveredAt, err = parseTimePtr(lastSent); err != nil {
			return err
		}
		entryOwner[e.ID] = recipientID
		recipients[pos].Entries = append(recipients[pos].Entries, e)
	}
	return rows.Err()
}

func (s *sqliteStore) loadKeywords(ctx context.Context, recipients []model.Recipient, index map[int64]int, entryOwner map[int64]int64) error {
	rows, err := s.db.QueryContext(ctx, `SELECT entry_id, type, value FROM keywords ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entryID int64
			kw      model.Keyword
		)
		if err := rows.Scan(&entryID, (*string)(&kw.Type), &kw.Value); err != nil {
			return err
		}
		recipientID, ok := entryOwner[entryID]
		if !ok {
			continue
		}
		entries := recipients[index[recipientID]].Entries
		for i := range entries {
			if entries[i].ID == entryID {
				entries[i].Keywords = append(entries[i].Keywords, kw)
				break
			}
		}
	}
	return rows.Err()
}

// ---- entries ----

func (s *sqliteStore) SaveEntry(ctx context.Context, recipientID int64, e model.Entry) (int64, error) {
	if err := model.ValidateEntry(e); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO entries(recipient_id, name, max_deliveries, deliveries_sent, cooldown_days,
		                     expires_at, deactivated_at, last_delivered_at, keep_after_expiration,
		                     created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		recipientID, e.Name, nullInt(e.MaxDeliveries), e.DeliveriesSent, cooldownOrDefault(e.CooldownDays),
		nullTime(e.ExpiresAt), nullTime(e.DeactivatedAt), nullTime(e.LastDeliveredAt),
		e.KeepAfterExpiration, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("save entry %q: %w", e.Name, model.ErrDuplicateName)
		}
		return 0, err
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, kw := range e.Keywords {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO keywords(entry_id, type, value) VALUES(?,?,?)`,
			entryID, string(kw.Type), kw.Value,
		); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return entryID, nil
}

func (s *sqliteStore) GetEntry(ctx context.Context, recipientID int64, name string) (model.Entry, error) {
	var (
		e           model.Entry
		maxDel      sql.NullInt64
		expires     sql.NullString
		deactivated sql.NullString
		lastSent    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, max_deliveries, deliveries_sent, cooldown_days,
		        expires_at, deactivated_at, last_delivered_at, keep_after_expiration
		 FROM entries WHERE recipient_id = ? AND name = ?`,
		recipientID, name,
	).Scan(&e.ID, &e.Name, &maxDel, &e.DeliveriesSent, &e.CooldownDays,
		&expires, &deactivated, &lastSent, &e.KeepAfterExpiration)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entry{}, fmt.Errorf("entry %q: %w", name, model.ErrNotFound)
	}
	if err != nil {
		return model.Entry{}, err
	}
	if maxDel.Valid {
		v := int(maxDel.Int64)
		e.MaxDeliveries = &v
	}
	if e.ExpiresAt, err = parseTimePtr(expires); err != nil {
		return model.Entry{}, err
	}
	if e.DeactivatedAt, err = parseTimePtr(deactivated); err != nil {
		return model.Entry{}, err
	}
	if e.LastDeliveredAt, err = parseTimePtr(lastSent); err != nil {
		return model.Entry{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, value FROM keywords WHERE entry_id = ? ORDER BY id`, e.ID)
	if err != nil {
		return model.Entry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var kw model.Keyword
		if err := rows.Scan((*string)(&kw.Type), &kw.Value); err != nil {
			return model.Entry{}, err
		}
		e.Keywords = append(e.Keywords, kw)
	}
	return e, rows.Err()
}

func (s *sqliteStore) DeleteEntry(ctx context.Context, recipientID, entryID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE recipient_id = ? AND id = ?`, recipientID, entryID)
	if err != nil {
		return err
	}
	return requireRow(res, "delete entry")
}

func (s *sqliteStore) DeactivateEntry(ctx context.Context, recipientID, entryID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET deactivated_at = ?, updated_at = ?
		 WHERE recipient_id = ? AND id = ? AND deactivated_at IS NULL`,
		fmtTime(at), fmtTime(at), recipientID, entryID)
	if err != nil {
		return err
	}
	return requireRow(res, "deactivate entry")
}

func (s *sqliteStore) ResetEntry(ctx context.Context, recipientID, entryID int64, expiresAt *time.Time) error {
	query := `UPDATE entries SET deactivated_at = NULL, last_delivered_at = NULL,
	          deliveries_sent = 0, updated_at = ?`
	args := []any{fmtTime(time.Now())}
	if expiresAt != nil {
		query += `, expires_at = ?`
		args = append(args, fmtTime(*expiresAt))
	}
	query += ` WHERE recipient_id = ? AND id = ?`
	args = append(args, recipientID, entryID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(res, "reset entry")
}

func (s *sqliteStore) IncrementDeliveries(ctx context.Context, recipientID int64, entryIDs []int64, at time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	args := []any{fmtTime(at), fmtTime(at), recipientID}
	for _, id := range entryIDs {
		args = append(args, id)
	}
	// The counter increment happens inside the database so concurrent
	// writers cannot lose an update.
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET deliveries_sent = deliveries_sent + 1,
		        last_delivered_at = ?, updated_at = ?
		 WHERE recipient_id = ? AND id IN (`+placeholders(len(entryIDs))+`)`,
		args...)
	return err
}

// ---- schedules ----

func (s *sqliteStore) DigestSchedules(ctx context.Context, defaultCron string) (map[string][]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, digest_cron FROM recipients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := map[string][]int64{}
	for rows.Next() {
		var (
			id      int64
			pattern string
		)
		if err := rows.Scan(&id, &pattern); err != nil {
			return nil, err
		}
		if strings.TrimSpace(pattern) == "" {
			pattern = defaultCron
		}
		groups[pattern] = append(groups[pattern], id)
	}
	return groups, rows.Err()
}

func (s *sqliteStore) BroadcastSchedules(ctx context.Context) (map[string][]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, broadcast_cron FROM chat_configs
		 WHERE disabled = 0 AND broadcast_cron != '' ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := map[string][]int64{}
	for rows.Next() {
		var (
			id      int64
			pattern string
		)
		if err := rows.Scan(&id, &pattern); err != nil {
			return nil, err
		}
		groups[pattern] = append(groups[pattern], id)
	}
	return groups, rows.Err()
}

// ---- movies ----

func (s *sqliteStore) UpsertMovie(ctx context.Context, m model.Movie) error {
	genres, err := json.Marshal(emptyIfNil(m.Genres))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO movies(title, description, age_rating, duration_minutes, genres, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(title) DO UPDATE SET
		   description=excluded.description,
		   age_rating=excluded.age_rating,
		   duration_minutes=excluded.duration_minutes,
		   genres=excluded.genres,
		   updated_at=excluded.updated_at`,
		m.Title, m.Description, m.AgeRating, m.DurationMinutes, string(genres), now, now,
	); err != nil {
		return err
	}

	var movieID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM movies WHERE title = ?`, m.Title).Scan(&movieID); err != nil {
		return err
	}
	// Screenings are replaced wholesale: the scraper's latest snapshot wins.
	if _, err := tx.ExecContext(ctx, `DELETE FROM screenings WHERE movie_id = ?`, movieID); err != nil {
		return err
	}
	for _, scr := range m.Screenings {
		features, err := json.Marshal(emptyIfNil(scr.Features))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO screenings(movie_id, start_time, auditorium, features) VALUES(?,?,?,?)`,
			movieID, fmtTime(scr.StartTime), scr.Auditorium, string(features),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) MoviesWithFutureScreenings(ctx context.Context, now time.Time) ([]model.Movie, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.title, m.description, m.age_rating, m.duration_minutes, m.genres,
		        sc.start_time, sc.auditorium, sc.features
		 FROM movies m
		 JOIN screenings sc ON sc.movie_id = m.id
		 WHERE sc.start_time >= ?
		 ORDER BY m.id, sc.start_time`,
		fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movies []model.Movie
	index := map[int64]int{}
	for rows.Next() {
		var (
			id         int64
			title      string
			desc       string
			rating     string
			duration   int
			genresJSON string
			startRaw   string
			auditorium string
			featsJSON  string
		)
		if err := rows.Scan(&id, &title, &desc, &rating, &duration, &genresJSON,
			&startRaw, &auditorium, &featsJSON); err != nil {
			return nil, err
		}
		pos, ok := index[id]
		if !ok {
			var genres []string
			if err := json.Unmarshal([]byte(genresJSON), &genres); err != nil {
				return nil, fmt.Errorf("movie %d genres: %w", id, err)
			}
			index[id] = len(movies)
			pos = len(movies)
			movies = append(movies, model.Movie{
				ID:              id,
				Title:           title,
				Description:     desc,
				AgeRating:       rating,
				DurationMinutes: duration,
				Genres:          genres,
			})
		}
		start, err := time.Parse(time.RFC3339Nano, startRaw)
		if err != nil {
			return nil, fmt.Errorf("screening start time: %w", err)
		}
		var features []string
		if err := json.Unmarshal([]byte(featsJSON), &features); err != nil {
			return nil, fmt.Errorf("screening features: %w", err)
		}
		movies[pos].Screenings = append(movies[pos].Screenings, model.Screening{
			StartTime:  start,
			Auditorium: auditorium,
			Features:   features,
		})
	}
	return movies, rows.Err()
}

// ---- chat configs ----

func (s *sqliteStore) GetChatConfig(ctx context.Context, chatID int64) (model.ChatConfig, error) {
	var c model.ChatConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, broadcast_cron, disabled, timezone, locale, last_modified_by
		 FROM chat_configs WHERE chat_id = ?`, chatID,
	).Scan(&c.ChatID, &c.BroadcastCron, &c.Disabled, &c.Timezone, &c.Locale, &c.LastModifiedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChatConfig{}, fmt.Errorf("chat config %d: %w", chatID, model.ErrNotFound)
	}
	return c, err
}

func (s *sqliteStore) UpsertChatConfig(ctx context.Context, c model.ChatConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_configs(chat_id, broadcast_cron, disabled, timezone, locale, last_modified_by, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   broadcast_cron=excluded.broadcast_cron,
		   disabled=excluded.disabled,
		   timezone=excluded.timezone,
		   locale=excluded.locale,
		   last_modified_by=excluded.last_modified_by,
		   updated_at=excluded.updated_at`,
		c.ChatID, c.BroadcastCron, c.Disabled, c.Timezone, c.Locale, c.LastModifiedBy, fmtTime(time.Now()),
	)
	return err
}

// ---- helpers ----

// fmtTime stores UTC timestamps at second precision: the fixed-width
// RFC 3339 form keeps lexicographic and chronological order identical,
// which the screening range query relies on.
func fmtTime(t time.Time) string { return t.UTC().Truncate(time.Second).Format(time.RFC3339) }

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func cooldownOrDefault(days int) int {
	if days <= 0 {
		return 1
	}
	return days
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return nil
}
