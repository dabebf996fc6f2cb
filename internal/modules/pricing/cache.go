// README: Redis cache for active pricing rules on the hot quote path.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetfare/internal/types"
)

const (
	ruleKeyPrefix = "pricing:rule:%s:%s:%s"
	ruleTTL       = 5 * time.Minute
)

// Cache is a read-through cache over Store.ActiveRule. Quote reads are
// side-effect-free and unlocked, so slightly stale rules are acceptable
// within the TTL; writes invalidate eagerly.
type Cache struct {
	redis *redis.Client
}

func NewCache(r *redis.Client) *Cache {
	return &Cache{redis: r}
}

func (c *Cache) GetRule(ctx context.Context, tenantID types.ID, vehicleClass string, service ServiceType) (*Rule, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	val, err := c.redis.Get(ctx, ruleKey(tenantID, vehicleClass, service)).Result()
	if err != nil {
		return nil, false
	}
	var r Rule
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, false
	}
	return &r, true
}

func (c *Cache) SetRule(ctx context.Context, r *Rule) {
	if c == nil || c.redis == nil {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.redis.Set(ctx, ruleKey(r.TenantID, r.VehicleClass, r.ServiceType), body, ruleTTL)
}

func (c *Cache) InvalidateRule(ctx context.Context, r *Rule) {
	if c == nil || c.redis == nil {
		return
	}
	c.redis.Del(ctx, ruleKey(r.TenantID, r.VehicleClass, r.ServiceType))
}

func ruleKey(tenantID types.ID, vehicleClass string, service ServiceType) string {
	return fmt.Sprintf(ruleKeyPrefix, tenantID, vehicleClass, service)
}
