package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/embed"
	"github.com/antigravity/keygate/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"
	activeSlotIndex   = "api_keys_active_slot"

	keyColumns  = `token, principal, plan, active, expires_at, usage_count, gift_code, note, created_at, updated_at`
	giftColumns = `code, plan, max_uses, redemptions, redeemed_by, active, expires_at, key_expiry_days, note, created_by, created_at`
)

// PostgresStore implements Store on PostgreSQL through pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

var _ Store = (*PostgresStore)(nil)

// Pool exposes the connection pool for components that share it (the job queue).
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies embedded migrations that have not run yet.
func (s *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	migrations, err := embed.Migrations()
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS keygate_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	var applied []string
	for _, m := range migrations {
		err := s.inTx(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO keygate_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, m.Name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply %s: %w", m.Name, err)
			}
			applied = append(applied, m.Name)
			return nil
		})
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierr.Storage(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apierr.Storage(err)
	}
	return nil
}

// classifyPgError maps unique violations to domain errors and everything else to storage errors.
func classifyPgError(err error, duplicate error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == activeSlotIndex {
			return apierr.ErrDuplicateActiveKey
		}
		return duplicate
	}
	return apierr.Storage(err)
}

func scanKey(row pgx.Row) (*models.Key, error) {
	var key models.Key
	var plan string
	err := row.Scan(
		&key.Token,
		&key.Principal,
		&plan,
		&key.Active,
		&key.ExpiresAt,
		&key.Usage,
		&key.GiftCode,
		&key.Note,
		&key.CreatedAt,
		&key.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	key.Plan = models.Plan(plan)
	return &key, nil
}

func scanGiftCode(row pgx.Row) (*models.GiftCode, error) {
	var gc models.GiftCode
	var plan string
	err := row.Scan(
		&gc.Code,
		&plan,
		&gc.MaxUses,
		&gc.Redemptions,
		&gc.RedeemedBy,
		&gc.Active,
		&gc.ExpiresAt,
		&gc.KeyExpiryDays,
		&gc.Note,
		&gc.CreatedBy,
		&gc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	gc.Plan = models.Plan(plan)
	return &gc, nil
}

// freeExpiredSlot deactivates an expired holder of the principal/plan slot so a new key can take it.
func freeExpiredSlot(ctx context.Context, tx pgx.Tx, principal string, plan models.Plan, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE api_keys SET active = FALSE, updated_at = $3
		WHERE principal = $1 AND plan = $2 AND active AND expires_at IS NOT NULL AND expires_at <= $3
	`, principal, string(plan), now)
	return err
}

func insertKey(ctx context.Context, tx pgx.Tx, key *models.Key) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, key.Token, key.Principal, string(key.Plan), key.Active, key.ExpiresAt, key.Usage,
		key.GiftCode, key.Note, key.CreatedAt, key.UpdatedAt)
	return err
}

func (s *PostgresStore) CreateKey(ctx context.Context, key *models.Key) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if key.Active {
			if err := freeExpiredSlot(ctx, tx, key.Principal, key.Plan, key.CreatedAt); err != nil {
				return apierr.Storage(err)
			}
		}
		if err := insertKey(ctx, tx, key); err != nil {
			return classifyPgError(err, apierr.New(apierr.InvalidRequest, "token already exists"))
		}
		return nil
	})
}

func (s *PostgresStore) GetKey(ctx context.Context, token string) (*models.Key, error) {
	key, err := scanKey(s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.ErrKeyNotFound
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return key, nil
}

// denialFor explains why a conditional update on token matched nothing.
func (s *PostgresStore) denialFor(ctx context.Context, token string, now time.Time) error {
	key, err := s.GetKey(ctx, token)
	if err != nil {
		return err
	}
	if !key.Active {
		return apierr.ErrKeyInactive
	}
	if key.IsExpired(now) {
		return apierr.ErrKeyExpired
	}
	return apierr.Storage(fmt.Errorf("conditional update on %s matched no row", models.MaskToken(token)))
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, token string, now time.Time) (*models.Key, error) {
	key, err := scanKey(s.pool.QueryRow(ctx, `
		UPDATE api_keys SET usage_count = usage_count + 1, updated_at = $2
		WHERE token = $1 AND active AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+keyColumns, token, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.denialFor(ctx, token, now)
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return key, nil
}

func (s *PostgresStore) DeactivateExpired(ctx context.Context, token string, now time.Time) (*models.Key, error) {
	key, err := scanKey(s.pool.QueryRow(ctx, `
		UPDATE api_keys SET active = FALSE, updated_at = $2
		WHERE token = $1 AND active AND expires_at IS NOT NULL AND expires_at <= $2
		RETURNING `+keyColumns, token, now))
	if errors.Is(err, pgx.ErrNoRows) {
		// 已被其他请求停用，返回当前状态
		return s.GetKey(ctx, token)
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return key, nil
}

func (s *PostgresStore) UpdateKey(ctx context.Context, token string, update KeyUpdate) (*models.Key, error) {
	var result *models.Key
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		key, err := scanKey(tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE token = $1 FOR UPDATE`, token))
		if errors.Is(err, pgx.ErrNoRows) {
			return apierr.ErrKeyNotFound
		}
		if err != nil {
			return apierr.Storage(err)
		}

		activating := update.Active != nil && *update.Active && !key.Active
		applyKeyUpdate(key, update)
		if activating {
			if err := freeExpiredSlot(ctx, tx, key.Principal, key.Plan, update.Now); err != nil {
				return apierr.Storage(err)
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE api_keys SET active = $2, expires_at = $3, usage_count = $4, updated_at = $5
			WHERE token = $1
		`, token, key.Active, key.ExpiresAt, key.Usage, key.UpdatedAt)
		if err != nil {
			return classifyPgError(err, apierr.ErrDuplicateActiveKey)
		}
		result = key
		return nil
	})
	return result, err
}

func (s *PostgresStore) DeleteKey(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE token = $1`, token)
	if err != nil {
		return apierr.Storage(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.ErrKeyNotFound
	}
	return nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, filter KeyFilter) ([]*models.Key, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Principal != "" {
		args = append(args, filter.Principal)
		conds = append(conds, fmt.Sprintf("principal = $%d", len(args)))
	}
	if filter.Plan != "" {
		args = append(args, string(filter.Plan))
		conds = append(conds, fmt.Sprintf("plan = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conds = append(conds, fmt.Sprintf("active = $%d", len(args)))
	}

	query := `SELECT ` + keyColumns + ` FROM api_keys`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apierr.Storage(err)
	}
	defer rows.Close()

	keys := []*models.Key{}
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, apierr.Storage(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Storage(err)
	}
	return keys, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET active = FALSE, updated_at = $1
		WHERE token IN (
			SELECT token FROM api_keys
			WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
			LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, apierr.Storage(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateGiftCode(ctx context.Context, code *models.GiftCode) error {
	redeemedBy := code.RedeemedBy
	if redeemedBy == nil {
		redeemedBy = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gift_codes (`+giftColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, code.Code, string(code.Plan), code.MaxUses, code.Redemptions, redeemedBy, code.Active,
		code.ExpiresAt, code.KeyExpiryDays, code.Note, code.CreatedBy, code.CreatedAt)
	return classifyPgError(err, apierr.ErrCodeExists)
}

func (s *PostgresStore) GetGiftCode(ctx context.Context, code string) (*models.GiftCode, error) {
	gc, err := scanGiftCode(s.pool.QueryRow(ctx, `SELECT `+giftColumns+` FROM gift_codes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.ErrCodeNotFound
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return gc, nil
}

func (s *PostgresStore) ListGiftCodes(ctx context.Context) ([]*models.GiftCode, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+giftColumns+` FROM gift_codes ORDER BY created_at DESC`)
	if err != nil {
		return nil, apierr.Storage(err)
	}
	defer rows.Close()

	codes := []*models.GiftCode{}
	for rows.Next() {
		gc, err := scanGiftCode(rows)
		if err != nil {
			return nil, apierr.Storage(err)
		}
		codes = append(codes, gc)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Storage(err)
	}
	return codes, nil
}

func (s *PostgresStore) SetGiftCodeActive(ctx context.Context, code string, active bool) (*models.GiftCode, error) {
	gc, err := scanGiftCode(s.pool.QueryRow(ctx, `
		UPDATE gift_codes SET active = $2 WHERE code = $1
		RETURNING `+giftColumns, code, active))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.ErrCodeNotFound
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return gc, nil
}

func (s *PostgresStore) DeleteGiftCode(ctx context.Context, code string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gift_codes WHERE code = $1`, code)
	if err != nil {
		return apierr.Storage(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.ErrCodeNotFound
	}
	return nil
}

// Redeem locks the code row, validates, inserts the key and counts the use in one transaction.
// The conditional UPDATE repeats the checks so the counted use can never exceed max_uses.
func (s *PostgresStore) Redeem(ctx context.Context, req RedeemRequest) (*models.Key, *models.GiftCode, error) {
	var (
		key *models.Key
		gc  *models.GiftCode
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		gc, err = scanGiftCode(tx.QueryRow(ctx, `SELECT `+giftColumns+` FROM gift_codes WHERE code = $1 FOR UPDATE`, req.Code))
		if errors.Is(err, pgx.ErrNoRows) {
			return apierr.ErrCodeNotFound
		}
		if err != nil {
			return apierr.Storage(err)
		}
		if err := gc.CheckRedeemable(req.Principal, req.Now); err != nil {
			return err
		}

		key, err = req.Mint(gc.Clone())
		if err != nil {
			return err
		}
		if err := freeExpiredSlot(ctx, tx, key.Principal, key.Plan, req.Now); err != nil {
			return apierr.Storage(err)
		}
		if err := insertKey(ctx, tx, key); err != nil {
			return classifyPgError(err, apierr.New(apierr.InvalidRequest, "token already exists"))
		}

		tag, err := tx.Exec(ctx, `
			UPDATE gift_codes
			SET redemptions = redemptions + 1, redeemed_by = array_append(redeemed_by, $2)
			WHERE code = $1 AND active AND redemptions < max_uses AND NOT ($2 = ANY(redeemed_by))
		`, req.Code, req.Principal)
		if err != nil {
			return apierr.Storage(err)
		}
		if tag.RowsAffected() == 0 {
			return apierr.ErrCodeExhausted
		}
		gc.RecordRedemption(req.Principal)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return key, gc, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apierr.Storage(err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
