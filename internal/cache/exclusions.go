package cache

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// exclusionMemoSize bounds the per-model pattern decisions kept in memory.
const exclusionMemoSize = 1024

// ExclusionList selects models whose requests bypass every cache tier,
// both lookup and write. A rule matches by exact model name or by regexp.
// Patterns are folded into one alternation and the latest pattern decisions
// are kept in a bounded LRU keyed by model name.
//
// A nil *ExclusionList excludes nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	pattern  *regexp.Regexp
	patterns int
	decided  *lru.Cache[string, bool]
}

// NewExclusionList compiles the rules. Every invalid pattern is reported so
// misconfiguration fails at startup in one pass.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}

	for _, name := range exact {
		if name = strings.TrimSpace(name); name != "" {
			el.exact[name] = struct{}{}
		}
	}

	var (
		parts []string
		errs  []error
	)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("cache: exclusion pattern %q: %w", p, err))
			continue
		}
		parts = append(parts, "(?:"+p+")")
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if len(parts) > 0 {
		el.pattern = regexp.MustCompile(strings.Join(parts, "|"))
		el.patterns = len(parts)
		memo, err := lru.New[string, bool](exclusionMemoSize)
		if err != nil {
			return nil, fmt.Errorf("cache: exclusion memo: %w", err)
		}
		el.decided = memo
	}
	return el, nil
}

// Matches reports whether model is excluded from caching.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	if el.pattern == nil {
		return false
	}
	if hit, ok := el.decided.Get(model); ok {
		return hit
	}
	hit := el.pattern.MatchString(model)
	el.decided.Add(model, hit)
	return hit
}

// Len returns the number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + el.patterns
}
