// Package classify maps a task's free-text description to a work-type
// category and base priority using an ordered rule list. Classification is
// deterministic and side-effect free: the same input always yields the same
// result, which keeps dispatch decisions reproducible.
package classify

import (
	"strings"

	"architect/pkg/protocol"
)

// Fallback classification when no rule matches.
const (
	FallbackWorkType = protocol.WorkDevelopment
	FallbackPriority = 50
)

// Rule maps description text to a work type and base priority. A rule
// matches when the lowercased description starts with Prefix (if set) or
// contains any of Keywords. First matching rule wins.
type Rule struct {
	Prefix   string            `yaml:"prefix,omitempty"`
	Keywords []string          `yaml:"keywords,omitempty"`
	WorkType protocol.WorkType `yaml:"work_type"`
	Priority int               `yaml:"priority"`
}

// matches reports whether the rule matches the lowercased description.
func (r Rule) matches(desc string) bool {
	if r.Prefix != "" && strings.HasPrefix(desc, r.Prefix) {
		return true
	}
	for _, kw := range r.Keywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// Classifier applies an ordered rule list.
type Classifier struct {
	rules []Rule
}

// New creates a Classifier with the given rules. Pass DefaultRules() for
// the built-in table.
func New(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the work type and base priority for a description.
// Falls back to development at priority 50 when nothing matches.
func (c *Classifier) Classify(description string) (protocol.WorkType, int) {
	desc := strings.ToLower(strings.TrimSpace(description))
	for _, r := range c.rules {
		if r.matches(desc) {
			return r.WorkType, r.Priority
		}
	}
	return FallbackWorkType, FallbackPriority
}

// DefaultRules returns the built-in ordered rule table. Deployment and
// review rules sit above development because their keywords ("deploy",
// "review") would otherwise be shadowed by the broad development keywords.
func DefaultRules() []Rule {
	return []Rule{
		{
			Keywords: []string{"deploy", "release", "rollout", "publish to prod", "ship to"},
			WorkType: protocol.WorkDeployment,
			Priority: 70,
		},
		{
			Prefix:   "review",
			Keywords: []string{"code review", "review pr", "review pull request", "approve pr"},
			WorkType: protocol.WorkReview,
			Priority: 60,
		},
		{
			Keywords: []string{"write tests", "add test", "run tests", "test coverage", "regression test"},
			WorkType: protocol.WorkTest,
			Priority: 55,
		},
		{
			Keywords: []string{"monitor", "health check", "check status", "watch for", "alert on"},
			WorkType: protocol.WorkMonitoring,
			Priority: 40,
		},
		{
			Keywords: []string{"fix bug", "hotfix", "urgent", "critical", "production issue"},
			WorkType: protocol.WorkDevelopment,
			Priority: 80,
		},
		{
			Keywords: []string{"implement", "build", "create", "refactor", "debug", "fix", "develop"},
			WorkType: protocol.WorkDevelopment,
			Priority: 50,
		},
	}
}
