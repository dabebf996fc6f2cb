// README: Fleet directory lookups used by assignment and transfer acceptance.
package booking

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetfare/internal/types"
)

// FleetDirectory answers whether a driver and vehicle belong to a tenant's
// active fleet. Defined here because assignment is the consumer.
type FleetDirectory interface {
	DriverActive(ctx context.Context, tenantID, driverID types.ID) (bool, error)
	VehicleExists(ctx context.Context, tenantID, vehicleID types.ID) (bool, error)
	HasActiveFleet(ctx context.Context, tenantID types.ID) (bool, error)
}

type FleetStore struct {
	db *pgxpool.Pool
}

func NewFleetStore(db *pgxpool.Pool) *FleetStore {
	return &FleetStore{db: db}
}

var _ FleetDirectory = (*FleetStore)(nil)

func (s *FleetStore) DriverActive(ctx context.Context, tenantID, driverID types.ID) (bool, error) {
	var active bool
	err := s.db.QueryRow(ctx,
		`SELECT active FROM drivers WHERE id = $1 AND tenant_id = $2`,
		string(driverID), string(tenantID),
	).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (s *FleetStore) VehicleExists(ctx context.Context, tenantID, vehicleID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM vehicles WHERE id = $1 AND tenant_id = $2)`,
		string(vehicleID), string(tenantID),
	).Scan(&exists)
	return exists, err
}

func (s *FleetStore) HasActiveFleet(ctx context.Context, tenantID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM drivers WHERE tenant_id = $1 AND active)
		   AND EXISTS (SELECT 1 FROM vehicles WHERE tenant_id = $1)`,
		string(tenantID),
	).Scan(&exists)
	return exists, err
}
