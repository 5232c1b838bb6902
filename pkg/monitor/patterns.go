package monitor

import (
	"regexp"
	"strings"
)

// State is the monitor's classification of one worker observation.
type State string

const (
	StateIdle          State = "idle"
	StateActive        State = "active"
	StateBlocked       State = "blocked"
	StateStale         State = "stale"
	StateReportedDone  State = "reported_done"
	StateReportedError State = "reported_error"
)

// Pattern matches a marker in captured worker output. For blocked patterns
// Response is the corrective keystroke to send; other states ignore it.
type Pattern struct {
	Name     string
	Regex    *regexp.Regexp
	State    State
	Response string
}

// DefaultResponse is the corrective keystroke when a blocked pattern has
// no learned response. Most agent confirmation menus accept option 1.
const DefaultResponse = "1"

// DefaultPatterns returns the ordered classification table. Order is
// precedence: terminal markers beat blocked markers beat activity markers,
// so an output tail containing both a question and a completion line
// resolves to done. Operators can extend or replace the table.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "error_marker", State: StateReportedError,
			Regex: regexp.MustCompile(`(?im)^\s*(error|fatal|panic|traceback|task failed)\b`)},
		{Name: "done_marker", State: StateReportedDone,
			Regex: regexp.MustCompile(`(?im)\b(task complete[d]?|all done|finished successfully|DONE)\b`)},
		{Name: "numbered_menu", State: StateBlocked, Response: "1",
			Regex: regexp.MustCompile(`(?m)^\s*1[.)]\s+\S.*\n\s*2[.)]\s+\S`)},
		{Name: "yes_no_prompt", State: StateBlocked, Response: "y",
			Regex: regexp.MustCompile(`(?i)\[(y/n|yes/no)\]|\(y/n\)`)},
		{Name: "continue_prompt", State: StateBlocked, Response: "Enter",
			Regex: regexp.MustCompile(`(?i)press enter to continue|continue\?\s*$`)},
		{Name: "working_marker", State: StateActive,
			Regex: regexp.MustCompile(`(?i)working|running|building|compiling|thinking|\.\.\.\s*$`)},
	}
}

// Classifier applies an ordered pattern table to captured output.
type Classifier struct {
	patterns []Pattern
	learned  map[string]string
}

func NewClassifier(patterns []Pattern) *Classifier {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Classifier{patterns: patterns, learned: make(map[string]string)}
}

// Learn overrides the corrective response for a named pattern. Responses
// confirmed to unblock a worker are recorded here so later hits reuse them.
func (c *Classifier) Learn(patternName, response string) {
	c.learned[patternName] = response
}

// Classify returns the first matching pattern's state, the pattern name,
// and the corrective response for blocked states. Empty or whitespace
// output classifies as idle.
func (c *Classifier) Classify(output string) (State, string, string) {
	if strings.TrimSpace(output) == "" {
		return StateIdle, "", ""
	}
	for _, p := range c.patterns {
		if p.Regex.MatchString(output) {
			resp := p.Response
			if learned, ok := c.learned[p.Name]; ok {
				resp = learned
			}
			if p.State == StateBlocked && resp == "" {
				resp = DefaultResponse
			}
			return p.State, p.Name, resp
		}
	}
	return StateIdle, "", ""
}
