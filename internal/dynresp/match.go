package dynresp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"github.com/thoughtgate/thoughtjack/internal/config"
)

// MatchAll reports whether every matcher in ms is satisfied by root,
// AND-combined per §4.2 step 3 / §4.5 step 1. regexTimeout bounds each
// regex evaluation (§5's 100ms defense against catastrophic backtracking).
func MatchAll(root interface{}, ms []config.FieldMatcher, regexTimeout time.Duration) bool {
	for _, m := range ms {
		if !matchOne(root, m, regexTimeout) {
			return false
		}
	}
	return true
}

func matchOne(root interface{}, m config.FieldMatcher, regexTimeout time.Duration) bool {
	if m.ExprProgram != nil {
		return evalExprMatcher(root, m.ExprProgram)
	}

	val, ok := ExtractPath(root, m.Path)

	if m.Exists != nil {
		return ok == *m.Exists
	}
	if !ok {
		return false
	}

	switch {
	case m.Equals != nil:
		return equalsLoose(val, m.Equals)
	case m.Contains != "":
		s, ok := val.(string)
		return ok && strings.Contains(s, m.Contains)
	case m.Prefix != "":
		s, ok := val.(string)
		return ok && strings.HasPrefix(s, m.Prefix)
	case m.Suffix != "":
		s, ok := val.(string)
		return ok && strings.HasSuffix(s, m.Suffix)
	case m.Regex != nil:
		s, ok := val.(string)
		if !ok {
			return false
		}
		return matchRegexWithTimeout(m.Regex, s, regexTimeout)
	case len(m.AnyOf) > 0:
		for _, candidate := range m.AnyOf {
			if equalsLoose(val, candidate) {
				return true
			}
		}
		return false
	case m.GreaterThan != nil:
		n, ok := toFloat(val)
		return ok && n > *m.GreaterThan
	case m.LessThan != nil:
		n, ok := toFloat(val)
		return ok && n < *m.LessThan
	default:
		// No predicate configured beyond path existence: treat as a bare
		// existence check, matching the "exists" matcher's semantics.
		return ok
	}
}

// matchRegexWithTimeout runs the pre-compiled regex in a goroutine and
// races it against regexTimeout; an expired evaluation is logged as a
// warning and treated as "no match" (§4.2 step 3,
// §5 cancellation & timeouts). regexp.MatchString on Go's RE2 engine
// cannot itself backtrack catastrophically, but the timeout is kept as a
// defense-in-depth guard matching the spec's explicit requirement and to
// bound pathological input sizes.
func matchRegexWithTimeout(re interface{ MatchString(string) bool }, s string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- re.MatchString(s)
	}()

	select {
	case r := <-resultCh:
		return r
	case <-ctx.Done():
		log.Warn().Dur("timeout", timeout).Msg("regex evaluation timed out, treating as no match")
		return false
	}
}

// evalExprMatcher runs a pre-compiled expr-lang program with root bound as
// `root` in its environment, treating any non-bool result or evaluation
// error as no-match rather than propagating (§4.2 step 3 never errors a
// trigger evaluation out of the dispatch path).
func evalExprMatcher(root interface{}, program *vm.Program) bool {
	out, err := expr.Run(program, map[string]interface{}{"root": root})
	if err != nil {
		log.Debug().Err(err).Msg("expr field matcher evaluation failed, treating as no-match")
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func equalsLoose(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

