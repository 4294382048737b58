package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Target is a monitored account or hashtag with its poll cadence.
type Target struct {
	ID                  int64  `json:"id"`
	Type                string `json:"type"`
	Value               string `json:"value"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	LastFetchedID       string `json:"last_fetched_id"`
	LastFetchedAt       string `json:"last_fetched_at"`
}

// Key returns the composite "kind:value" string denormalized onto posts.
func (t Target) Key() string {
	return t.Type + ":" + t.Value
}

// Post is a captured record. Raw holds the opaque JSON payload as stored.
type Post struct {
	ID        string `json:"id"`
	Target    string `json:"target"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Raw       string `json:"raw"`
	FetchedAt string `json:"fetched_at"`
	Instance  string `json:"instance"`
}

// RawObject re-parses the stored raw payload into a structured object.
// Unparsable payloads come back as an empty object.
func (p Post) RawObject() map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(p.Raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

// Store wraps all reads and writes of the SQLite database. A single mutex
// serializes every operation on the one connection, which is what guarantees
// the insert-or-ignore dedupe invariant.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating parent directories as needed), migrates, and returns
// the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// AddTarget inserts a target and returns its assigned id.
func (s *Store) AddTarget(kind, value string, pollIntervalSeconds int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO targets(type, value, poll_interval_seconds) VALUES (?, ?, ?)`,
		kind, value, pollIntervalSeconds,
	)
	if err != nil {
		return 0, fmt.Errorf("store: add target: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add target id: %w", err)
	}
	return id, nil
}

// DeleteTarget removes a target. Returns whether a row was deleted; deleting
// an unknown id is not an error. Posts captured for the target are retained.
func (s *Store) DeleteTarget(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete target %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete target %d: %w", id, err)
	}
	return n > 0, nil
}

const targetColumns = `id, type, value, poll_interval_seconds, last_fetched_id, last_fetched_at`

// GetTarget reads one target by id. Returns nil when the id is unknown.
func (s *Store) GetTarget(id int64) (*Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	var t Target
	err := row.Scan(&t.ID, &t.Type, &t.Value, &t.PollIntervalSeconds, &t.LastFetchedID, &t.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get target %d: %w", id, err)
	}
	return &t, nil
}

// GetTargets returns all targets ordered by id ascending.
func (s *Store) GetTargets() ([]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT ` + targetColumns + ` FROM targets ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: get targets: %w", err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.Type, &t.Value, &t.PollIntervalSeconds, &t.LastFetchedID, &t.LastFetchedAt); err != nil {
			return nil, fmt.Errorf("store: scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// CountTargets returns the number of registered targets.
func (s *Store) CountTargets() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM targets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count targets: %w", err)
	}
	return n, nil
}

// UpsertPost stores a post with insert-or-ignore semantics keyed on id.
// Returns true iff a new row was inserted.
func (s *Store) UpsertPost(p Post) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO tweets(id, target, content, created_at, raw, fetched_at, instance)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Target, p.Content, p.CreatedAt, p.Raw, p.FetchedAt, p.Instance,
	)
	if err != nil {
		return false, fmt.Errorf("store: upsert post %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert post %s: %w", p.ID, err)
	}
	return n > 0, nil
}

// UpdateTargetFetchState records the newest observed post id and the
// wall-clock time of the latest fetch for a target.
func (s *Store) UpdateTargetFetchState(id int64, lastFetchedID, lastFetchedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE targets SET last_fetched_id = ?, last_fetched_at = ? WHERE id = ?`,
		lastFetchedID, lastFetchedAt, id,
	)
	if err != nil {
		return fmt.Errorf("store: update fetch state %d: %w", id, err)
	}
	return nil
}

const postColumns = `id, target, content, created_at, raw, fetched_at, instance`

// GetPosts selects posts ordered by created_at descending. target filters by
// the composite "kind:value" key; query filters by case-insensitive substring
// match on content. Empty filters are skipped.
func (s *Store) GetPosts(target string, limit int, query string) ([]Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := `SELECT ` + postColumns + ` FROM tweets`
	var conds []string
	var args []any
	if target != "" {
		conds = append(conds, `target = ?`)
		args = append(args, target)
	}
	if query != "" {
		conds = append(conds, `content LIKE ?`)
		args = append(args, "%"+query+"%")
	}
	for i, c := range conds {
		if i == 0 {
			q += ` WHERE ` + c
		} else {
			q += ` AND ` + c
		}
	}
	q += ` ORDER BY datetime(created_at) DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get posts: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// ExportPosts streams every post as one JSON line, created_at descending.
// The raw payload is re-materialized as a structured object. emit is called
// once per row; a non-nil error from emit aborts the export.
func (s *Store) ExportPosts(emit func(line []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT ` + postColumns + ` FROM tweets ORDER BY datetime(created_at) DESC`)
	if err != nil {
		return fmt.Errorf("store: export posts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.Target, &p.Content, &p.CreatedAt, &p.Raw, &p.FetchedAt, &p.Instance); err != nil {
			return fmt.Errorf("store: export scan: %w", err)
		}
		line, err := json.Marshal(map[string]any{
			"id":         p.ID,
			"target":     p.Target,
			"content":    p.Content,
			"created_at": p.CreatedAt,
			"raw":        p.RawObject(),
			"fetched_at": p.FetchedAt,
			"instance":   p.Instance,
		})
		if err != nil {
			return fmt.Errorf("store: export marshal %s: %w", p.ID, err)
		}
		if err := emit(line); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Prune retains only the maxPerTarget most recent posts (by created_at) for
// each distinct target and deletes the rest. Ties resolve arbitrarily.
func (s *Store) Prune(maxPerTarget int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT DISTINCT target FROM tweets`)
	if err != nil {
		return fmt.Errorf("store: prune targets: %w", err)
	}
	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return fmt.Errorf("store: prune scan: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("store: prune: %w", err)
	}
	rows.Close()

	for _, target := range targets {
		_, err := s.db.Exec(
			`DELETE FROM tweets
			 WHERE target = ? AND id NOT IN (
				SELECT id FROM tweets WHERE target = ? ORDER BY datetime(created_at) DESC LIMIT ?
			 )`,
			target, target, maxPerTarget,
		)
		if err != nil {
			return fmt.Errorf("store: prune %s: %w", target, err)
		}
	}
	return nil
}

func scanPosts(rows *sql.Rows) ([]Post, error) {
	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.Target, &p.Content, &p.CreatedAt, &p.Raw, &p.FetchedAt, &p.Instance); err != nil {
			return nil, fmt.Errorf("store: scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}
