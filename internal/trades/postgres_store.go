package trades

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/nftswap/internal/domain"
)

// PostgresStore persists trade records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	offered, err := marshalAssets(t.OfferedAssets)
	if err != nil {
		return err
	}
	requested, err := marshalAssets(t.RequestedAssets)
	if err != nil {
		return err
	}
	offeredNative, err := decimal.NewFromString(t.OfferedNative)
	if err != nil {
		return fmt.Errorf("trades: offered native %q: %w", t.OfferedNative, err)
	}
	requestedNative, err := decimal.NewFromString(t.RequestedNative)
	if err != nil {
		return fmt.Errorf("trades: requested native %q: %w", t.RequestedNative, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, chain_trade_id, tx_hash, creator_address, counterparty_address,
			offered_assets, requested_assets, offered_native, requested_native,
			expires_at, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13
		)`,
		t.ID, nullString(t.ChainTradeID), nullString(t.TxHash), t.CreatorAddress, t.CounterpartyAddress,
		offered, requested, offeredNative, requestedNative,
		nullTime(t.ExpiresAt), string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return err
	}
	return nil
}

const tradeColumns = `id, chain_trade_id, tx_hash, creator_address, counterparty_address,
		       offered_assets, requested_assets, offered_native, requested_native,
		       expires_at, status, created_at, updated_at,
		       cancelled_at, cancelled_by, declined_at, declined_by,
		       accepted_at, accepted_by, resolution_tx_hash`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) FindByAddress(ctx context.Context, address string, role Role) ([]*Trade, error) {
	var query string
	switch role {
	case RoleCreator:
		query = `SELECT ` + tradeColumns + ` FROM trades WHERE creator_address = $1 ORDER BY created_at DESC`
	case RoleCounterparty:
		query = `SELECT ` + tradeColumns + ` FROM trades WHERE counterparty_address = $1 ORDER BY created_at DESC`
	default:
		return nil, fmt.Errorf("trades: unknown role %q", role)
	}

	rows, err := p.db.QueryContext(ctx, query, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// CompareAndSetStatus relies on the row-level atomicity of a single UPDATE:
// of two concurrent calls guarded by the same expected status, at most one
// matches the WHERE clause.
func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expected Status, tr Transition) (bool, error) {
	var actionCols string
	switch tr.Status {
	case StatusCancelled:
		actionCols = "cancelled_at = $3, cancelled_by = $4"
	case StatusDeclined:
		actionCols = "declined_at = $3, declined_by = $4"
	case StatusAccepted:
		actionCols = "accepted_at = $3, accepted_by = $4"
	default:
		return false, fmt.Errorf("trades: invalid transition to %q", tr.Status)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = $2, updated_at = $3, `+actionCols+`,
			resolution_tx_hash = COALESCE($5, resolution_tx_hash)
		WHERE id = $1 AND status = $6`,
		id, string(tr.Status), tr.At, tr.Actor, nullString(tr.TxHash), string(expected),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		chainTradeID     sql.NullString
		txHash           sql.NullString
		offeredJSON      []byte
		requestedJSON    []byte
		offeredNative    decimal.Decimal
		requestedNative  decimal.Decimal
		expiresAt        sql.NullTime
		status           string
		cancelledAt      sql.NullTime
		cancelledBy      sql.NullString
		declinedAt       sql.NullTime
		declinedBy       sql.NullString
		acceptedAt       sql.NullTime
		acceptedBy       sql.NullString
		resolutionTxHash sql.NullString
	)

	err := s.Scan(
		&t.ID, &chainTradeID, &txHash, &t.CreatorAddress, &t.CounterpartyAddress,
		&offeredJSON, &requestedJSON, &offeredNative, &requestedNative,
		&expiresAt, &status, &t.CreatedAt, &t.UpdatedAt,
		&cancelledAt, &cancelledBy, &declinedAt, &declinedBy,
		&acceptedAt, &acceptedBy, &resolutionTxHash,
	)
	if err != nil {
		return nil, err
	}

	t.ChainTradeID = chainTradeID.String
	t.TxHash = txHash.String
	t.Status = Status(status)
	t.OfferedNative = offeredNative.String()
	t.RequestedNative = requestedNative.String()
	t.ExpiresAt = timePtr(expiresAt)
	t.CancelledAt, t.CancelledBy = timePtr(cancelledAt), cancelledBy.String
	t.DeclinedAt, t.DeclinedBy = timePtr(declinedAt), declinedBy.String
	t.AcceptedAt, t.AcceptedBy = timePtr(acceptedAt), acceptedBy.String
	t.ResolutionTxHash = resolutionTxHash.String

	if t.OfferedAssets, err = unmarshalAssets(offeredJSON); err != nil {
		return nil, err
	}
	if t.RequestedAssets, err = unmarshalAssets(requestedJSON); err != nil {
		return nil, err
	}
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func marshalAssets(assets []Asset) ([]byte, error) {
	if assets == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(assets)
	if err != nil {
		return nil, fmt.Errorf("trades: marshal assets: %w", err)
	}
	return b, nil
}

func unmarshalAssets(b []byte) ([]Asset, error) {
	assets := []Asset{}
	if len(b) == 0 {
		return assets, nil
	}
	if err := json.Unmarshal(b, &assets); err != nil {
		return nil, fmt.Errorf("trades: unmarshal assets: %w", err)
	}
	return assets, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
