// README: Transfer store; the partial unique index on PENDING rows backs the
// one-open-offer invariant.
package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetfare/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const transferColumns = `
	id, booking_id, from_tenant_id, to_tenant_id, status,
	from_percent, to_percent, note, created_at, resolved_at`

func (s *Store) Create(ctx context.Context, tr *BookingTransfer) error {
	if tr.ID == "" {
		tr.ID = types.NewID()
	}
	tr.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_transfers (`+transferColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		string(tr.ID), string(tr.BookingID), string(tr.FromTenantID), string(tr.ToTenantID),
		string(tr.Status), tr.FromPercent, tr.ToPercent, tr.Note, tr.CreatedAt, tr.ResolvedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrTransferPending
	}
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*BookingTransfer, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM booking_transfers WHERE id = $1`, string(id))
	return scanTransfer(row)
}

func (s *Store) ListForTenant(ctx context.Context, tenantID types.ID) ([]BookingTransfer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+transferColumns+` FROM booking_transfers
		WHERE from_tenant_id = $1 OR to_tenant_id = $1
		ORDER BY created_at DESC`, string(tenantID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BookingTransfer
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

// ResolveTx closes a PENDING offer inside the caller's transaction. CAS on
// status so two staff resolving the same offer cannot both win.
func ResolveTx(ctx context.Context, tx pgx.Tx, id types.ID, to Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE booking_transfers SET status = $1, resolved_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), string(id), string(StatusPending),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidState
	}
	return nil
}

// Resolve is the non-transactional variant used by Decline, which touches no
// booking state.
func (s *Store) Resolve(ctx context.Context, id types.ID, to Status) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE booking_transfers SET status = $1, resolved_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), string(id), string(StatusPending),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidState
	}
	return nil
}

// ActiveConnection reports whether a and b have an ACTIVE partnership, in
// either direction.
func (s *Store) ActiveConnection(ctx context.Context, a, b types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tenant_connections
			WHERE status = $1
			  AND ((tenant_a = $2 AND tenant_b = $3) OR (tenant_a = $3 AND tenant_b = $2))
		)`,
		string(ConnectionActive), string(a), string(b),
	).Scan(&exists)
	return exists, err
}

func (s *Store) CreateConnection(ctx context.Context, c *TenantConnection) error {
	if c.ID == "" {
		c.ID = types.NewID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenant_connections (id, tenant_a, tenant_b, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		string(c.ID), string(c.TenantA), string(c.TenantB), string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *Store) SetConnectionStatus(ctx context.Context, id types.ID, status ConnectionStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tenant_connections SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func InsertSettlementTx(ctx context.Context, tx pgx.Tx, e *SettlementEntry) error {
	if e.ID == "" {
		e.ID = types.NewID()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO settlement_entries (id, transfer_id, booking_id, tenant_id, amount, currency, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		string(e.ID), string(e.TransferID), string(e.BookingID), string(e.TenantID),
		e.Amount, e.Currency, e.CreatedAt,
	)
	return err
}

func (s *Store) SettlementsForTenant(ctx context.Context, tenantID types.ID) ([]SettlementEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, transfer_id, booking_id, tenant_id, amount, currency, created_at
		FROM settlement_entries WHERE tenant_id = $1 ORDER BY created_at DESC`,
		string(tenantID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementEntry
	for rows.Next() {
		var e SettlementEntry
		if err := rows.Scan(&e.ID, &e.TransferID, &e.BookingID, &e.TenantID, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTransfer(row pgx.Row) (*BookingTransfer, error) {
	var tr BookingTransfer
	err := row.Scan(
		&tr.ID, &tr.BookingID, &tr.FromTenantID, &tr.ToTenantID, &tr.Status,
		&tr.FromPercent, &tr.ToPercent, &tr.Note, &tr.CreatedAt, &tr.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}
