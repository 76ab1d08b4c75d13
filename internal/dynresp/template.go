package dynresp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TemplateContext supplies the variable namespaces of §4.5's template
// grammar: args, tool/resource/prompt, phase, request, connection, env.
type TemplateContext struct {
	Args         interface{} // parsed params, usually map[string]interface{}
	ItemKind     string      // "tool", "resource", or "prompt" — selects the *.* namespace
	ItemName     string
	CallCount    int64
	PhaseName    string
	PhaseIndex   int
	RequestID    string // JSON literal text, or "" for a notification's raw id slot
	IsNotification bool
	Method       string
	ConnectionID string
}

// Interpolate performs single-pass ${...} substitution over s per §4.5:
// missing values resolve to empty string (never error), "$${" escapes a
// literal "${", and "${request.id}" resolves to the bare JSON literal
// null when the triggering message is a notification so that
// {"id": ${request.id}} stays valid JSON.
func Interpolate(s string, ctx TemplateContext) string {
	var out strings.Builder
	i := 0
	n := len(s)
	for i < n {
		if i+1 < n && s[i] == '$' && s[i+1] == '$' && i+2 < n && s[i+2] == '{' {
			out.WriteString("${")
			i += 3
			continue
		}
		if s[i] == '$' && i+1 < n && s[i+1] == '{' {
			end := findClose(s, i+2)
			if end < 0 {
				out.WriteString(s[i:])
				break
			}
			expr := s[i+2 : end]
			out.WriteString(resolveExpr(expr, ctx))
			i = end + 1
			continue
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String()
}

// findClose finds the matching '}' for a '${' opened with content starting
// at start, tracking nested '{'/'}' so a function argument containing a
// literal brace does not truncate early.
func findClose(s string, start int) int {
	depth := 1
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func resolveExpr(expr string, ctx TemplateContext) string {
	expr = strings.TrimSpace(expr)
	if name, args, ok := parseFunctionCall(expr); ok {
		return callFunction(name, args, ctx)
	}
	return resolveVariable(expr, ctx)
}

// parseFunctionCall recognizes "fn.name(arg)" and returns everything between
// the parentheses as arg. callFunction resolves arg as one variable
// reference, except fn.default and fn.truncate, which split it on the
// first comma into two arguments.
func parseFunctionCall(expr string) (name string, arg string, ok bool) {
	if !strings.HasPrefix(expr, "fn.") {
		return "", "", false
	}
	rest := expr[3:]
	paren := strings.IndexByte(rest, '(')
	if paren < 0 || !strings.HasSuffix(rest, ")") {
		return "", "", false
	}
	name = rest[:paren]
	arg = rest[paren+1 : len(rest)-1]
	return name, arg, true
}

func callFunction(name, arg string, ctx TemplateContext) string {
	resolvedArg := resolveVariable(strings.TrimSpace(arg), ctx)
	switch name {
	case "upper":
		return strings.ToUpper(resolvedArg)
	case "lower":
		return strings.ToLower(resolvedArg)
	case "base64":
		return base64.StdEncoding.EncodeToString([]byte(resolvedArg))
	case "json":
		b, err := json.Marshal(resolvedArg)
		if err != nil {
			return ""
		}
		return string(b)
	case "len":
		return strconv.Itoa(len([]rune(resolvedArg)))
	case "default":
		parts := strings.SplitN(arg, ",", 2)
		if len(parts) != 2 {
			return resolvedArg
		}
		primary := resolveVariable(strings.TrimSpace(parts[0]), ctx)
		if primary != "" {
			return primary
		}
		return strings.Trim(strings.TrimSpace(parts[1]), `"`)
	case "truncate":
		parts := strings.SplitN(arg, ",", 2)
		if len(parts) != 2 {
			return resolvedArg
		}
		val := resolveVariable(strings.TrimSpace(parts[0]), ctx)
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || n < 0 || n >= len([]rune(val)) {
			return val
		}
		return string([]rune(val)[:n])
	case "timestamp":
		return time.Now().UTC().Format(time.RFC3339)
	case "uuid":
		return uuid.NewString()
	default:
		return ""
	}
}

func resolveVariable(path string, ctx TemplateContext) string {
	switch {
	case path == "request.id":
		if ctx.IsNotification {
			return "null"
		}
		return ctx.RequestID
	case path == "request.method":
		return ctx.Method
	case path == "connection.id":
		return ctx.ConnectionID
	case path == "phase.name":
		return ctx.PhaseName
	case path == "phase.index":
		return strconv.Itoa(ctx.PhaseIndex)
	case strings.HasPrefix(path, "env."):
		return os.Getenv(strings.TrimPrefix(path, "env."))
	case path == "tool.name", path == "resource.name", path == "prompt.name":
		return ctx.ItemName
	case path == "tool.call_count", path == "resource.call_count", path == "prompt.call_count":
		return fmt.Sprintf("%d", ctx.CallCount)
	case path == "args":
		return stringify(ctx.Args)
	case strings.HasPrefix(path, "args."):
		v, ok := ExtractPath(map[string]interface{}{"args": ctx.Args}, path)
		if !ok {
			return ""
		}
		return stringify(v)
	default:
		// Unknown / unrecognized variable: resolve as a bare literal if it
		// looks like quoted text (used by fn.default's fallback arg), else
		// empty per "missing values → empty string, never error".
		if len(path) >= 2 && path[0] == '"' && path[len(path)-1] == '"' {
			return path[1 : len(path)-1]
		}
		return ""
	}
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
