package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

// Snapshot records the heat of an item at one scheduled run.
type Snapshot struct {
	ID         int64     `db:"id"`
	ItemID     string    `db:"item_id"`
	Heat       float64   `db:"heat"`
	Engagement float64   `db:"engagement"`
	CheckedAt  time.Time `db:"-"`
	CheckedMS  int64     `db:"checked_at"`
}

// Order selects the ListItems ordering.
type Order string

const (
	OrderRecent Order = "recent"
	OrderHeat   Order = "heat"
)

// ListOpts controls item listing.
type ListOpts struct {
	Platform string
	Since    time.Time
	Limit    int
	Order    Order
}

// Store is the persistence interface.
type Store interface {
	UpsertItems(ctx context.Context, items []source.Item) error
	GetItem(ctx context.Context, id string) (*source.Item, error)
	ListItems(ctx context.Context, opts ListOpts) ([]source.Item, error)
	CountItemsByPlatform(ctx context.Context) (map[string]int, error)

	AddSnapshot(ctx context.Context, itemID string, heat, engagement float64) error
	GetSnapshots(ctx context.Context, itemID string, since time.Time) ([]Snapshot, error)

	LoadState(ctx context.Context, source string) (map[string]any, error)
	SaveState(ctx context.Context, source string, state map[string]any) error

	Close() error
}

// ErrNotFound is returned by GetItem for unknown ids.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ItemKey returns the primary key an item is stored under.
func ItemKey(it source.Item) string {
	if it.ItemID != "" {
		return it.ItemID
	}
	return it.SourcePlatform + ":" + it.SourceID
}

func unixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// UpsertItems writes items in one transaction. Existing rows keep their id and get the
// latest scores and payload.
func (s *SQLiteStore) UpsertItems(ctx context.Context, items []source.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO items (id, platform, source_id, title, url, author, engagement, heat, content_hash, published_at, scraped_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, source_id) DO UPDATE SET
			title = excluded.title,
			engagement = excluded.engagement,
			heat = excluded.heat,
			content_hash = excluded.content_hash,
			scraped_at = excluded.scraped_at,
			payload = excluded.payload
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range items {
		it := items[i]
		payload, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", ItemKey(it), err)
		}
		_, err = stmt.ExecContext(ctx, ItemKey(it), it.SourcePlatform, it.SourceID, it.Title,
			it.SourceURL, it.Author, it.EngagementScore, it.NormalizedHeatScore, it.ContentHash,
			unixMS(it.PublishedAt), unixMS(it.ScrapedAt), string(payload))
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", ItemKey(it), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*source.Item, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, "SELECT payload FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	var item source.Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	return &item, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, opts ListOpts) ([]source.Item, error) {
	query := "SELECT payload FROM items WHERE 1=1"
	var args []any

	if opts.Platform != "" {
		query += " AND platform = ?"
		args = append(args, opts.Platform)
	}
	if !opts.Since.IsZero() {
		query += " AND scraped_at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	if opts.Order == OrderHeat {
		query += " ORDER BY heat DESC, scraped_at DESC, id"
	} else {
		query += " ORDER BY scraped_at DESC, heat DESC, id"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	items := make([]source.Item, 0, len(payloads))
	for _, p := range payloads {
		var it source.Item
		if err := json.Unmarshal([]byte(p), &it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *SQLiteStore) CountItemsByPlatform(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT platform, COUNT(*) as cnt FROM items GROUP BY platform")
	if err != nil {
		return nil, fmt.Errorf("count items by platform: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var platform string
		var cnt int
		if err := rows.Scan(&platform, &cnt); err != nil {
			return nil, err
		}
		counts[platform] = cnt
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) AddSnapshot(ctx context.Context, itemID string, heat, engagement float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heat_snapshots (item_id, heat, engagement, checked_at)
		VALUES (?, ?, ?, ?)
	`, itemID, heat, engagement, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add snapshot %s: %w", itemID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSnapshots(ctx context.Context, itemID string, since time.Time) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.SelectContext(ctx, &snaps,
		"SELECT id, item_id, heat, engagement, checked_at FROM heat_snapshots WHERE item_id = ? AND checked_at >= ? ORDER BY checked_at, id",
		itemID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("get snapshots %s: %w", itemID, err)
	}
	for i := range snaps {
		snaps[i].CheckedAt = time.UnixMilli(snaps[i].CheckedMS).UTC()
	}
	return snaps, nil
}

// LoadState returns the persisted state for source, or nil when none was saved.
func (s *SQLiteStore) LoadState(ctx context.Context, source string) (map[string]any, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, "SELECT state FROM scraper_state WHERE source = ?", source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", source, err)
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", source, err)
	}
	return state, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, source string, state map[string]any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", source, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scraper_state (source, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, source, string(raw), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save state %s: %w", source, err)
	}
	return nil
}
