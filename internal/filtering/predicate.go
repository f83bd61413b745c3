package filtering

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"triggerhub/internal/mapping"
	"triggerhub/pkg/models"
)

func (e *Engine) matchPredicate(event *models.Event, p models.Predicate) (bool, error) {
	if p.Value == "" {
		return true, nil
	}
	value, ok := resolve(event, p.Field)
	if !ok || value == nil {
		return false, nil
	}

	var match func(string) bool
	switch p.Operator {
	case models.OpEquals:
		match = func(s string) bool { return s == p.Value }
	case models.OpContains:
		needle := strings.ToLower(p.Value)
		match = func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }
	case models.OpIn:
		set := splitList(p.Value)
		match = func(s string) bool {
			_, ok := set[s]
			return ok
		}
	case models.OpRegex:
		re, err := e.patterns.compile(p.Value)
		if err != nil {
			return false, fmt.Errorf("predicate %s: %w", p.Field, err)
		}
		match = re.MatchString
	default:
		return false, fmt.Errorf("predicate %s: unknown operator %q", p.Field, p.Operator)
	}

	if items, ok := value.([]interface{}); ok {
		for _, item := range items {
			if s, ok := scalar(item); ok && match(s) {
				return true, nil
			}
		}
		return false, nil
	}
	s, ok := scalar(value)
	return ok && match(s), nil
}

// resolve looks the dotted path up in Fields, then Extras.
func resolve(event *models.Event, path string) (interface{}, bool) {
	if v, ok := mapping.Lookup(event.Fields, path); ok {
		return v, true
	}
	return mapping.Lookup(event.Extras, path)
}

func scalar(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	default:
		return "", false
	}
}

func splitList(value string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

// patternCache keeps compiled regular expressions. Failed compilations are
// cached too.
type patternCache struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
	errs     map[string]error
}

func newPatternCache() *patternCache {
	return &patternCache{
		patterns: make(map[string]*regexp.Regexp),
		errs:     make(map[string]error),
	}
}

func (c *patternCache) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.patterns[pattern]
	err := c.errs[pattern]
	c.mu.RUnlock()
	if ok || err != nil {
		return re, err
	}

	re, err = regexp.Compile(pattern)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("invalid regular expression %q: %w", pattern, err)
		c.errs[pattern] = err
		return nil, err
	}
	c.patterns[pattern] = re
	return re, nil
}
