package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertInsightSQL = `INSERT INTO insights (
        key,
        type,
        severity,
        title,
        description,
        data,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (key) DO NOTHING;`

	insightColumns = `key,
        type,
        severity,
        title,
        description,
        data,
        observed_at,
        created_at`

	listInsightsBetweenSQL = `SELECT ` + insightColumns + `
    FROM insights
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`

	listRecentInsightsSQL = `SELECT ` + insightColumns + `
    FROM insights
    ORDER BY observed_at DESC
    LIMIT $1;`

	countInsightsSQL = `SELECT COUNT(*) FROM insights;`

	deleteInsightsBeforeSQL = `DELETE FROM insights WHERE observed_at < $1;`

	insertPostSQL = `INSERT INTO posts (
        insight_key,
        channel,
        text,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, insight_key, channel, text, status, error, created_at;`

	listRecentPostsSQL = `SELECT
        id,
        insight_key,
        channel,
        text,
        status,
        error,
        created_at
    FROM posts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// InsightStore defines operations for insight persistence.
type InsightStore interface {
	InsertInsight(ctx context.Context, rec InsightRecord) (bool, error)
	ListInsightsBetween(ctx context.Context, from, to time.Time) ([]InsightRecord, error)
	ListRecentInsights(ctx context.Context, limit int) ([]InsightRecord, error)
	CountInsights(ctx context.Context) (int64, error)
	DeleteInsightsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// PostStore defines operations for publish auditing.
type PostStore interface {
	InsertPost(ctx context.Context, post PostRecord) (PostRecord, error)
	ListRecentPosts(ctx context.Context, limit int) ([]PostRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to insights and posts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertInsight stores rec unless its key already exists. It reports whether
// a row was written.
func (s *Store) InsertInsight(ctx context.Context, rec InsightRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	data := []byte(rec.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	tag, execErr := pool.Exec(ctx, insertInsightSQL,
		rec.Key,
		rec.Type,
		rec.Severity,
		rec.Title,
		rec.Description,
		data,
		rec.ObservedAt,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert insight: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ListInsightsBetween lists insights observed within [from, to).
func (s *Store) ListInsightsBetween(ctx context.Context, from, to time.Time) ([]InsightRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listInsightsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list insights between: %w", queryErr)
	}
	defer rows.Close()

	return collectInsights(rows, 0)
}

// ListRecentInsights lists the most recently observed insights.
func (s *Store) ListRecentInsights(ctx context.Context, limit int) ([]InsightRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentInsightsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent insights: %w", queryErr)
	}
	defer rows.Close()

	return collectInsights(rows, limit)
}

// CountInsights counts stored insights.
func (s *Store) CountInsights(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countInsightsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count insights: %w", scanErr)
	}
	return count, nil
}

// DeleteInsightsBefore removes insights observed before olderThan along with their posts.
func (s *Store) DeleteInsightsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteInsightsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete insights before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertPost persists a publish attempt.
func (s *Store) InsertPost(ctx context.Context, post PostRecord) (PostRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PostRecord{}, err
	}

	var errMsg interface{}
	if post.Error != nil {
		errMsg = *post.Error
	}

	row := pool.QueryRow(ctx, insertPostSQL,
		post.InsightKey,
		post.Channel,
		post.Text,
		post.Status,
		errMsg,
	)

	rec, scanErr := scanPost(row)
	if scanErr != nil {
		return PostRecord{}, fmt.Errorf("insert post: %w", scanErr)
	}
	return rec, nil
}

// ListRecentPosts lists the most recent publish attempts.
func (s *Store) ListRecentPosts(ctx context.Context, limit int) ([]PostRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPostsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent posts: %w", queryErr)
	}
	defer rows.Close()

	posts := make([]PostRecord, 0, limit)
	for rows.Next() {
		rec, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return posts, nil
}

func collectInsights(rows pgx.Rows, capacity int) ([]InsightRecord, error) {
	records := make([]InsightRecord, 0, capacity)
	for rows.Next() {
		var rec InsightRecord
		if err := rows.Scan(
			&rec.Key,
			&rec.Type,
			&rec.Severity,
			&rec.Title,
			&rec.Description,
			&rec.Data,
			&rec.ObservedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanPost(row pgx.Row) (PostRecord, error) {
	var (
		rec    PostRecord
		errMsg sql.NullString
	)
	if err := row.Scan(
		&rec.ID,
		&rec.InsightKey,
		&rec.Channel,
		&rec.Text,
		&rec.Status,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return PostRecord{}, err
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

var (
	_ InsightStore   = (*Store)(nil)
	_ PostStore      = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
