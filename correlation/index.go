package correlation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/util"
)

// Index maps (eventType, correlationKey) to the set of flows paused
// on that signal. Entries are removed when consumed, when the flow is
// cancelled, or by the TTL sweep. The clock is injected so the sweep
// is testable with a fake.
type Index struct {
	mu     sync.Mutex
	cache  *c.Cache
	byFlow *c.Cache
	clock  util.Clock
	ttl    time.Duration
}

func NewIndex(clock util.Clock, ttl time.Duration) *Index {
	return &Index{
		cache:  c.New(c.NoExpiration, 0),
		byFlow: c.New(c.NoExpiration, 0),
		clock:  clock,
		ttl:    ttl,
	}
}

func subscriptionKey(eventType string, correlationKey string) string {
	return fmt.Sprintf("%s:%s", eventType, correlationKey)
}

func (idx *Index) Register(eventType string, correlationKey string, flowId string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := subscriptionKey(eventType, correlationKey)
	flows := idx.flowSet(key)
	flows[flowId] = idx.clock.Now()
	idx.cache.Set(key, flows, c.NoExpiration)
	idx.byFlow.Set(flowId, key, c.NoExpiration)
}

// Resolve returns the flows currently subscribed to the signal,
// oldest registration first.
func (idx *Index) Resolve(eventType string, correlationKey string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	flows := idx.flowSet(subscriptionKey(eventType, correlationKey))
	ids := make([]string, 0, len(flows))
	for id := range flows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if flows[ids[i]].Equal(flows[ids[j]]) {
			return ids[i] < ids[j]
		}
		return flows[ids[i]].Before(flows[ids[j]])
	})
	return ids
}

// Consume removes one flow's subscription and reports whether it was
// present. Duplicate event delivery finds nothing to consume and
// returns false.
func (idx *Index) Consume(eventType string, correlationKey string, flowId string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := subscriptionKey(eventType, correlationKey)
	flows := idx.flowSet(key)
	if _, ok := flows[flowId]; !ok {
		return false
	}
	delete(flows, flowId)
	if len(flows) == 0 {
		idx.cache.Delete(key)
	} else {
		idx.cache.Set(key, flows, c.NoExpiration)
	}
	idx.byFlow.Delete(flowId)
	return true
}

// RemoveFlow drops the flow's subscription whatever signal it was
// registered under. Used by cancellation and cleanup.
func (idx *Index) RemoveFlow(flowId string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	keyVal, ok := idx.byFlow.Get(flowId)
	if !ok {
		return
	}
	key := keyVal.(string)
	flows := idx.flowSet(key)
	delete(flows, flowId)
	if len(flows) == 0 {
		idx.cache.Delete(key)
	} else {
		idx.cache.Set(key, flows, c.NoExpiration)
	}
	idx.byFlow.Delete(flowId)
}

// Sweep evicts registrations older than the TTL and returns the
// number removed.
func (idx *Index) Sweep() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.ttl <= 0 {
		return 0
	}
	cutoff := idx.clock.Now().Add(-idx.ttl)
	evicted := 0
	for key, item := range idx.cache.Items() {
		flows := item.Object.(map[string]time.Time)
		for flowId, registeredAt := range flows {
			if registeredAt.Before(cutoff) {
				delete(flows, flowId)
				idx.byFlow.Delete(flowId)
				evicted++
				logger.Debug("evicted expired subscription", zap.String("FlowId", flowId), zap.String("key", key))
			}
		}
		if len(flows) == 0 {
			idx.cache.Delete(key)
		} else {
			idx.cache.Set(key, flows, c.NoExpiration)
		}
	}
	return evicted
}

func (idx *Index) flowSet(key string) map[string]time.Time {
	if val, ok := idx.cache.Get(key); ok {
		return val.(map[string]time.Time)
	}
	return make(map[string]time.Time)
}
