package crawler

import (
	"fmt"
	"regexp"
	"strings"
)

// RuleDecision is the outcome of evaluating one crawl rule.
type RuleDecision int

// Rule decisions. Ignore defers to the next rule.
const (
	RuleIgnore RuleDecision = iota
	RuleInclude
	RuleExclude
)

// RuleAction selects how a regexp match maps to a decision.
type RuleAction string

// Rule actions.
const (
	MatchInclude            RuleAction = "match_include"
	MatchExclude            RuleAction = "match_exclude"
	NoMatchInclude          RuleAction = "no_match_include"
	NoMatchExclude          RuleAction = "no_match_exclude"
	MatchIncludeElseExclude RuleAction = "match_include_else_exclude"
	MatchExcludeElseInclude RuleAction = "match_exclude_else_include"
)

// CrawlRule is a regexp paired with an action.
type CrawlRule struct {
	Action RuleAction
	re     *regexp.Regexp
}

// NewCrawlRule compiles pattern, case-insensitively when ignoreCase is set.
func NewCrawlRule(action RuleAction, pattern string, ignoreCase bool) (CrawlRule, error) {
	switch action {
	case MatchInclude, MatchExclude, NoMatchInclude, NoMatchExclude,
		MatchIncludeElseExclude, MatchExcludeElseInclude:
	default:
		return CrawlRule{}, fmt.Errorf("unknown rule action %q", action)
	}
	if ignoreCase && !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return CrawlRule{}, fmt.Errorf("compile rule %q: %w", pattern, err)
	}
	return CrawlRule{Action: action, re: re}, nil
}

// Match evaluates the rule against url.
func (r CrawlRule) Match(url string) RuleDecision {
	matched := r.re.MatchString(url)
	switch r.Action {
	case MatchInclude:
		if matched {
			return RuleInclude
		}
	case MatchExclude:
		if matched {
			return RuleExclude
		}
	case NoMatchInclude:
		if !matched {
			return RuleInclude
		}
	case NoMatchExclude:
		if !matched {
			return RuleExclude
		}
	case MatchIncludeElseExclude:
		if matched {
			return RuleInclude
		}
		return RuleExclude
	case MatchExcludeElseInclude:
		if matched {
			return RuleExclude
		}
		return RuleInclude
	}
	return RuleIgnore
}

// CrawlRules is an ordered rule list. The first rule that does not ignore a
// url decides; urls no rule decides are excluded.
type CrawlRules []CrawlRule

// Includes reports whether url is within the crawl.
func (rs CrawlRules) Includes(url string) bool {
	for _, r := range rs {
		switch r.Match(url) {
		case RuleInclude:
			return true
		case RuleExclude:
			return false
		}
	}
	return false
}
