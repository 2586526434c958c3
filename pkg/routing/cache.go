package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/opensquad/squadron/pkg/models"
)

// ruleCacheTTL bounds how long a cached rule set can go stale.
const ruleCacheTTL = 5 * time.Minute

// RuleCache is a read-through cache of each squad's active routing rules,
// grounded on Strob0t-CodeForge's internal/adapter/ristretto/cache.go
// wrapper. Routing rules are written only when a template creates a new
// squad, and no code path calls Invalidate; entries expire after
// ruleCacheTTL.
type RuleCache struct {
	c *ristretto.Cache[string, []byte]
}

// NewRuleCache builds a cache with maxCostBytes as its total cost budget
// (sum of cached JSON blob sizes).
func NewRuleCache(maxCostBytes int64) (*RuleCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("routing: new rule cache: %w", err)
	}
	return &RuleCache{c: c}, nil
}

// Get returns the cached rule set for squadID, if present.
func (rc *RuleCache) Get(squadID string) ([]models.RoutingRule, bool) {
	raw, found := rc.c.Get(squadID)
	if !found {
		return nil, false
	}
	var rules []models.RoutingRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, false
	}
	return rules, true
}

// Set caches rules for squadID.
func (rc *RuleCache) Set(squadID string, rules []models.RoutingRule) {
	raw, err := json.Marshal(rules)
	if err != nil {
		return
	}
	rc.c.SetWithTTL(squadID, raw, int64(len(raw)), ruleCacheTTL)
}

// Invalidate drops squadID's cached rule set.
func (rc *RuleCache) Invalidate(squadID string) {
	rc.c.Del(squadID)
}

// Close releases the cache's background goroutines.
func (rc *RuleCache) Close() {
	rc.c.Close()
}

// LoadRulesFunc fetches the durable rule set for a squad — implemented by
// pkg/squad's repository and passed in here to keep routing free of DB
// imports.
type LoadRulesFunc func(ctx context.Context, squadID string) ([]models.RoutingRule, error)

// CachedRules returns squadID's active rules, populating the cache on miss.
func (rc *RuleCache) CachedRules(ctx context.Context, squadID string, load LoadRulesFunc) ([]models.RoutingRule, error) {
	if rules, ok := rc.Get(squadID); ok {
		return rules, nil
	}
	rules, err := load(ctx, squadID)
	if err != nil {
		return nil, err
	}
	rc.Set(squadID, rules)
	return rules, nil
}
