package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

const accountColumns = `id, project_id, credential_ref, quota_limit_per_day, quota_used_in_period,
	quota_period_start, created_at, deleted_at`

// AccountStore implements indexing.AccountRepository on Postgres. Quota
// arithmetic happens inside single UPDATE statements, so the row lock taken by
// Postgres makes ConsumeQuota linearizable per account.
type AccountStore struct {
	pool Pool
}

// NewAccountStore constructs an AccountStore from an existing pool.
func NewAccountStore(pool Pool) (*AccountStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AccountStore{pool: pool}, nil
}

// Upsert inserts or updates the descriptive fields of an account. Usage is
// clamped to the new limit and the deletion stamp is left untouched.
func (s *AccountStore) Upsert(ctx context.Context, acct indexing.ServiceAccount) error {
	if acct.ID == "" {
		return fmt.Errorf("account id is required")
	}
	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_accounts (id, project_id, credential_ref, quota_limit_per_day, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET project_id = EXCLUDED.project_id,
		    credential_ref = EXCLUDED.credential_ref,
		    quota_limit_per_day = EXCLUDED.quota_limit_per_day,
		    quota_used_in_period = LEAST(service_accounts.quota_used_in_period, EXCLUDED.quota_limit_per_day)`,
		acct.ID,
		acct.ProjectID,
		acct.CredentialRef,
		int64(acct.QuotaLimitPerDay),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// ListActive returns non-deleted accounts ordered by creation time.
func (s *AccountStore) ListActive(ctx context.Context) ([]indexing.ServiceAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+`
		FROM service_accounts
		WHERE deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []indexing.ServiceAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// Get fetches one account, deleted or not.
func (s *AccountStore) Get(ctx context.Context, id string) (indexing.ServiceAccount, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM service_accounts WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexing.ServiceAccount{}, indexing.ErrNotFound
		}
		return indexing.ServiceAccount{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// ConsumeQuota is a single compare-and-increment. A stale period is rolled
// over by the same statement.
func (s *AccountStore) ConsumeQuota(ctx context.Context, id string, units uint32, periodStart time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE service_accounts
		SET quota_used_in_period = CASE WHEN quota_period_start < $3 THEN $2 ELSE quota_used_in_period + $2 END,
		    quota_period_start = GREATEST(quota_period_start, $3)
		WHERE id = $1
		  AND deleted_at IS NULL
		  AND (CASE WHEN quota_period_start < $3 THEN 0 ELSE quota_used_in_period END) + $2 <= quota_limit_per_day`,
		id,
		int64(units),
		periodStart,
	)
	if err != nil {
		return false, fmt.Errorf("consume quota: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.ensureExists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseQuota subtracts units within the current period, flooring at zero.
func (s *AccountStore) ReleaseQuota(ctx context.Context, id string, units uint32, periodStart time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE service_accounts
		SET quota_used_in_period = GREATEST(quota_used_in_period - $2, 0)
		WHERE id = $1 AND quota_period_start >= $3`,
		id,
		int64(units),
		periodStart,
	)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// ResetQuota zeroes usage and stamps the period start.
func (s *AccountStore) ResetQuota(ctx context.Context, id string, periodStart time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE service_accounts
		SET quota_used_in_period = 0, quota_period_start = $2
		WHERE id = $1`,
		id,
		periodStart,
	)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return indexing.ErrNotFound
	}
	return nil
}

func (s *AccountStore) ensureExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM service_accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check account: %w", err)
	}
	if !exists {
		return indexing.ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (indexing.ServiceAccount, error) {
	var (
		acct  indexing.ServiceAccount
		limit int64
		used  int64
	)
	err := row.Scan(
		&acct.ID,
		&acct.ProjectID,
		&acct.CredentialRef,
		&limit,
		&used,
		&acct.QuotaPeriodStart,
		&acct.CreatedAt,
		&acct.DeletedAt,
	)
	if err != nil {
		return indexing.ServiceAccount{}, err
	}
	acct.QuotaLimitPerDay = uint32(limit)
	acct.QuotaUsedInPeriod = uint32(used)
	return acct, nil
}
