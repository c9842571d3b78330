package engine

import (
	"context"
	"encoding/json"
	"reflect"
	"regexp"

	rulengine "github.com/forgeworks/go-rulengine"
)

const eventRulesKeyPrefix = "rules:event:"

// rulesForEvent returns the active rules bound to the event name, consulting
// the cache first. The cached set expires after cacheTTL so rule changes are
// picked up without an explicit invalidation channel.
func (e *Engine) rulesForEvent(ctx context.Context, eventName string) ([]*rulengine.Rule, error) {
	key := eventRulesKeyPrefix + eventName
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if rules, ok := cached.([]*rulengine.Rule); ok {
				return rules, nil
			}
		}
	}

	rules, err := e.store.FindActiveByEventName(ctx, eventName)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(key, rules, e.cacheTTL)
	}
	return rules, nil
}

// matchesFilters applies the rule's event filters to the payload. Property
// filters are exact-equality checks on top-level fields. Patterns run against
// the serialized payload; exclude wins over include, and a non-empty include
// list requires at least one match. Invalid patterns are skipped with a
// warning.
func (e *Engine) matchesFilters(filters rulengine.EventFilters, payload map[string]any) bool {
	for key, want := range filters.Properties {
		got, ok := payload[key]
		if !ok || !propertyEqual(got, want) {
			return false
		}
	}

	if len(filters.IncludePatterns) == 0 && len(filters.ExcludePatterns) == 0 {
		return true
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		e.log.Warn("failed to serialize payload for pattern filters err=%v", err)
		return false
	}

	for _, pattern := range filters.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			e.log.Warn("invalid exclude pattern skipped pattern=%q err=%v", pattern, err)
			continue
		}
		if re.Match(serialized) {
			return false
		}
	}

	if len(filters.IncludePatterns) == 0 {
		return true
	}
	for _, pattern := range filters.IncludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			e.log.Warn("invalid include pattern skipped pattern=%q err=%v", pattern, err)
			continue
		}
		if re.Match(serialized) {
			return true
		}
	}
	return false
}

// propertyEqual compares a payload field against a filter value, treating
// numerically equal values of different widths as equal.
func propertyEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	g, gok := asFloat(got)
	w, wok := asFloat(want)
	return gok && wok && g == w
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
