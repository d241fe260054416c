package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

const urlColumns = `id, url, url_type, priority, status, assigned_account_id, attempts,
	last_error, last_error_code, failure_category, retry_at, created_at, last_transition_at`

// URLStore implements indexing.URLRepository on Postgres.
type URLStore struct {
	pool Pool
}

// NewURLStore constructs a URLStore from an existing pool.
func NewURLStore(pool Pool) (*URLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &URLStore{pool: pool}, nil
}

// Create inserts items in one transaction.
func (s *URLStore) Create(ctx context.Context, items ...indexing.URLItem) (err error) {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `INSERT INTO url_items (` + urlColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("url item id is required")
		}
		if item.Status == "" {
			item.Status = indexing.StatusPending
		}
		if item.LastTransitionAt.IsZero() {
			item.LastTransitionAt = item.CreatedAt
		}
		if _, err = tx.Exec(ctx, query, itemArgs(item)...); err != nil {
			return fmt.Errorf("insert url item %s: %w", item.ID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Select returns items matching sel in priority order.
func (s *URLStore) Select(ctx context.Context, sel indexing.Selection) ([]indexing.URLItem, error) {
	statuses := make([]string, len(sel.Statuses))
	for i, st := range sel.Statuses {
		statuses[i] = string(st)
	}
	var limit *int
	if sel.Limit > 0 {
		limit = &sel.Limit
	}
	query := `SELECT ` + urlColumns + `
		FROM url_items
		WHERE status = ANY($1)
		  AND ($2::timestamptz IS NULL OR last_transition_at < $2)
		  AND ($3::timestamptz IS NULL OR retry_at IS NULL OR retry_at <= $3)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $4`
	rows, err := s.pool.Query(ctx, query, statuses, optionalTime(sel.TransitionedBefore), optionalTime(sel.DueBy), limit)
	if err != nil {
		return nil, fmt.Errorf("select url items: %w", err)
	}
	defer rows.Close()

	var items []indexing.URLItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan url item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate url items: %w", err)
	}
	return items, nil
}

// CountByStatus counts items in any of the statuses.
func (s *URLStore) CountByStatus(ctx context.Context, statuses ...indexing.Status) (int, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM url_items WHERE status = ANY($1)`, values).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count url items: %w", err)
	}
	return count, nil
}

// CompareAndSwap updates the item guarded by its expected status and appends
// the transition in the same transaction.
func (s *URLStore) CompareAndSwap(
	ctx context.Context,
	expected indexing.Status,
	item indexing.URLItem,
	rec indexing.Transition,
) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE url_items
		SET status = $2, assigned_account_id = $3, attempts = $4, last_error = $5,
		    last_error_code = $6, failure_category = $7, retry_at = $8, last_transition_at = $9
		WHERE id = $1 AND status = $10`,
		item.ID,
		string(item.Status),
		nullString(item.AssignedAccountID),
		item.Attempts,
		nullString(item.LastError),
		item.LastErrorCode,
		string(item.FailureCategory),
		item.RetryAt,
		item.LastTransitionAt,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("update url item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM url_items WHERE id = $1)`, item.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check url item: %w", err)
		}
		if !exists {
			err = indexing.ErrNotFound
			return err
		}
		err = indexing.ErrStatusConflict
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO url_transitions
			(url_id, from_status, to_status, at, attempt, account_id, reason, category, retry_delay_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.URLID,
		string(rec.From),
		string(rec.To),
		rec.At,
		rec.Attempt,
		nullString(rec.AccountID),
		rec.Reason,
		string(rec.Category),
		rec.RetryDelay.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// Get fetches one item.
func (s *URLStore) Get(ctx context.Context, id string) (indexing.URLItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+urlColumns+` FROM url_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexing.URLItem{}, indexing.ErrNotFound
		}
		return indexing.URLItem{}, fmt.Errorf("get url item: %w", err)
	}
	return item, nil
}

// History returns the item's transitions, oldest first.
func (s *URLStore) History(ctx context.Context, id string) ([]indexing.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT url_id, from_status, to_status, at, attempt, account_id, reason, category, retry_delay_ms
		FROM url_transitions
		WHERE url_id = $1
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []indexing.Transition
	for rows.Next() {
		var (
			rec          indexing.Transition
			from, to     string
			category     string
			account      *string
			retryDelayMS int64
		)
		if err := rows.Scan(&rec.URLID, &from, &to, &rec.At, &rec.Attempt, &account, &rec.Reason, &category, &retryDelayMS); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.From = indexing.Status(from)
		rec.To = indexing.Status(to)
		rec.Category = indexing.FailureCategory(category)
		rec.AccountID = derefString(account)
		rec.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func itemArgs(item indexing.URLItem) []any {
	return []any{
		item.ID,
		item.URL,
		string(item.Type),
		item.Priority,
		string(item.Status),
		nullString(item.AssignedAccountID),
		item.Attempts,
		nullString(item.LastError),
		item.LastErrorCode,
		string(item.FailureCategory),
		item.RetryAt,
		item.CreatedAt,
		item.LastTransitionAt,
	}
}

func scanItem(row pgx.Row) (indexing.URLItem, error) {
	var (
		item     indexing.URLItem
		urlType  string
		status   string
		account  *string
		lastErr  *string
		category string
	)
	err := row.Scan(
		&item.ID,
		&item.URL,
		&urlType,
		&item.Priority,
		&status,
		&account,
		&item.Attempts,
		&lastErr,
		&item.LastErrorCode,
		&category,
		&item.RetryAt,
		&item.CreatedAt,
		&item.LastTransitionAt,
	)
	if err != nil {
		return indexing.URLItem{}, err
	}
	item.Type = indexing.URLType(urlType)
	item.Status = indexing.Status(status)
	item.AssignedAccountID = derefString(account)
	item.LastError = derefString(lastErr)
	item.FailureCategory = indexing.FailureCategory(category)
	return item, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
