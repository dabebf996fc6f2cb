// README: Pricing service: rule resolution, quoting, promo redemption, cancellation tiers.
package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fleetfare/internal/types"
)

type Service struct {
	store *Store
	cache *Cache
}

func NewService(store *Store, cache *Cache) *Service {
	return &Service{store: store, cache: cache}
}

type QuoteCommand struct {
	TenantID  types.ID
	Trip      TripParams
	PromoCode string
}

// Quote resolves the active rule (cache first) and computes the itemised
// fare. Pure beyond the lookups; nothing is persisted.
func (s *Service) Quote(ctx context.Context, cmd QuoteCommand) (Breakdown, error) {
	rule, err := s.resolveRule(ctx, cmd.TenantID, cmd.Trip.VehicleClass, cmd.Trip.ServiceType)
	if err != nil {
		return Breakdown{}, err
	}

	var promo *PromoCode
	if cmd.PromoCode != "" {
		promo, err = s.store.PromoByCode(ctx, cmd.TenantID, cmd.PromoCode)
		if err == ErrNotFound {
			return Breakdown{}, &InvalidPromoCodeError{Code: cmd.PromoCode, Reason: PromoInactive}
		}
		if err != nil {
			return Breakdown{}, err
		}
	}

	return Quote(cmd.Trip, rule, promo)
}

// RedeemPromo burns one use of the code at booking commit time. Returns the
// typed exhausted error when a concurrent booking took the last use.
func (s *Service) RedeemPromo(ctx context.Context, tenantID types.ID, code string) error {
	promo, err := s.store.PromoByCode(ctx, tenantID, code)
	if err == ErrNotFound {
		return &InvalidPromoCodeError{Code: code, Reason: PromoInactive}
	}
	if err != nil {
		return err
	}
	ok, err := s.store.RedeemPromo(ctx, promo.ID)
	if err != nil {
		return err
	}
	if !ok {
		return &InvalidPromoCodeError{Code: code, Reason: PromoExhausted}
	}
	return nil
}

// RefundPercent resolves the passenger-cancellation refund percentage for a
// booking picked up at pickupAt, using the tenant's default policy. A tenant
// without a policy refunds in full.
func (s *Service) RefundPercent(ctx context.Context, tenantID types.ID, pickupAt, now time.Time) (decimal.Decimal, error) {
	policy, err := s.store.DefaultPolicy(ctx, tenantID)
	if err == ErrNotFound {
		return decimal.NewFromInt(100), nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	hoursBefore := pickupAt.Sub(now).Hours()
	charge := ResolveChargePercent(policy.Tiers, hoursBefore)
	return decimal.NewFromInt(100).Sub(charge), nil
}

func (s *Service) CreateRule(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		r.ID = types.NewID()
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return err
	}
	s.cache.InvalidateRule(ctx, r)
	return nil
}

func (s *Service) UpdateRule(ctx context.Context, r *Rule) error {
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return err
	}
	s.cache.InvalidateRule(ctx, r)
	return nil
}

func (s *Service) DeactivateRule(ctx context.Context, tenantID, ruleID types.ID) error {
	rule, err := s.store.RuleByID(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := s.store.DeactivateRule(ctx, tenantID, ruleID); err != nil {
		return err
	}
	s.cache.InvalidateRule(ctx, rule)
	return nil
}

func (s *Service) AddSurcharge(ctx context.Context, ruleID types.ID, sr *SurchargeRule) error {
	rule, err := s.store.RuleByID(ctx, ruleID)
	if err != nil {
		return err
	}
	if sr.ID == "" {
		sr.ID = types.NewID()
	}
	if err := s.store.AddSurcharge(ctx, ruleID, sr); err != nil {
		return err
	}
	s.cache.InvalidateRule(ctx, rule)
	return nil
}

func (s *Service) RemoveSurcharge(ctx context.Context, ruleID, surchargeID types.ID) error {
	rule, err := s.store.RuleByID(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveSurcharge(ctx, ruleID, surchargeID); err != nil {
		return err
	}
	s.cache.InvalidateRule(ctx, rule)
	return nil
}

func (s *Service) CreatePromo(ctx context.Context, p *PromoCode) error {
	if p.ID == "" {
		p.ID = types.NewID()
	}
	return s.store.CreatePromo(ctx, p)
}

func (s *Service) CreatePolicy(ctx context.Context, p *CancellationPolicy) error {
	if p.ID == "" {
		p.ID = types.NewID()
	}
	return s.store.CreatePolicy(ctx, p)
}

func (s *Service) resolveRule(ctx context.Context, tenantID types.ID, vehicleClass string, service ServiceType) (*Rule, error) {
	if rule, ok := s.cache.GetRule(ctx, tenantID, vehicleClass, service); ok {
		return rule, nil
	}
	rule, err := s.store.ActiveRule(ctx, tenantID, vehicleClass, service)
	if err != nil {
		return nil, err
	}
	s.cache.SetRule(ctx, rule)
	return rule, nil
}
