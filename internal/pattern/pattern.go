package pattern

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultProbeBudget is the wall-clock allowance per adversarial probe.
// regexp2's MatchTimeout aborts backtracking that exceeds it.
const DefaultProbeBudget = 100 * time.Millisecond

const probeLen = 2048

// ErrProbeTimeout is returned when a pattern exceeds the probe budget.
var ErrProbeTimeout = fmt.Errorf("pattern exceeded probe budget")

// Matcher is a compiled, case-insensitive keyword pattern that has passed the
// backtracking guard. Safe for concurrent use.
type Matcher struct {
	Source string
	re     *regexp2.Regexp
}

// probes are adversarial inputs that trigger catastrophic backtracking in
// pathological patterns: one repeated character, an alternating pair, and two
// homogeneous blocks.
var probes = []string{
	strings.Repeat("a", probeLen),
	strings.Repeat("ab", probeLen/2),
	strings.Repeat("a", probeLen/2) + strings.Repeat("b", probeLen/2),
}

// Compile builds a case-insensitive matcher and rejects patterns that fail to
// compile or blow the probe budget. Rejected patterns must never enter the
// active rule set.
func Compile(source string, budget time.Duration) (*Matcher, error) {
	if budget <= 0 {
		budget = DefaultProbeBudget
	}
	re, err := regexp2.Compile(source, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", source, err)
	}
	re.MatchTimeout = budget

	for _, probe := range probes {
		start := time.Now()
		if _, err := re.MatchString(probe); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", source, ErrProbeTimeout)
		}
		if time.Since(start) > budget {
			return nil, fmt.Errorf("pattern %q: %w", source, ErrProbeTimeout)
		}
	}
	return &Matcher{Source: source, re: re}, nil
}

// MatchString reports whether the pattern matches input. A timeout at match
// time (possible only for inputs unlike any probe) counts as no match.
func (m *Matcher) MatchString(input string) bool {
	ok, err := m.re.MatchString(input)
	if err != nil {
		return false
	}
	return ok
}

// FindString returns the first matched text, if any.
func (m *Matcher) FindString(input string) (string, bool) {
	match, err := m.re.FindStringMatch(input)
	if err != nil || match == nil {
		return "", false
	}
	return match.String(), true
}
