// Package payload implements the Payload Generators (§4.6): lazy factories
// that produce DoS-shaped bytes at response-construction time, never at
// config load. Only an estimated size is validated, when a generator is
// constructed (against config.Limits); the config loader itself does not
// construct generators. Deterministic generators carry a fixed seed so repeated
// responses within a sequence are reproducible for the scenarios in §8.
//
// Grounded on the teacher's io.ReadAll-based body streaming in
// mcpgw.Gateway.executeSSETool, generalized here to the producer side via
// io.Reader adapters for payloads over 1MB.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/thoughtgate/thoughtjack/internal/config"
)

// Payload is either fully buffered or streamed, per §4.6.
type Payload struct {
	buffered []byte
	stream   io.Reader
	size     int64
}

// Buffered wraps an in-memory payload.
func Buffered(b []byte) Payload { return Payload{buffered: b, size: int64(len(b))} }

// Streamed wraps an io.Reader payload of a known estimated size.
func Streamed(r io.Reader, size int64) Payload { return Payload{stream: r, size: size} }

// IsStreamed reports whether this payload must be read incrementally.
func (p Payload) IsStreamed() bool { return p.stream != nil }

// Reader returns an io.Reader over the payload regardless of which
// representation it holds.
func (p Payload) Reader() io.Reader {
	if p.stream != nil {
		return p.stream
	}
	return bytes.NewReader(p.buffered)
}

// Bytes materializes the whole payload. Callers on the streamed path should
// prefer Reader() to keep memory bounded; Bytes is for tests and for
// delivery behaviors that need the whole buffer anyway (e.g. NestedJson
// wrapping).
func (p Payload) Bytes() ([]byte, error) {
	if p.stream == nil {
		return p.buffered, nil
	}
	return io.ReadAll(p.stream)
}

// Size returns the (estimated, for streams) size in bytes.
func (p Payload) Size() int64 { return p.size }

// streamThreshold is the §4.6 "> 1 MB" streaming cutoff.
const streamThreshold = 1 << 20

// Generator is a lazy payload factory (§4.6).
type Generator interface {
	Generate() (Payload, error)
	EstimatedSize() int64
	ProducesJSON() bool
	Name() string
}

// NewGenerator builds a Generator from a GeneratorSpec, validating its
// estimated size against lim at construction time. dynresp constructs a
// generator each time it builds a response, just before calling Generate,
// so this check runs at response time; config loading does not run it.
func NewGenerator(spec config.GeneratorSpec, lim config.Limits) (Generator, error) {
	var g Generator
	var err error
	switch spec.Type {
	case "nested_json":
		g, err = newNestedJSON(spec, lim)
	case "batch_notifications":
		g, err = newBatchNotifications(spec, lim)
	case "garbage":
		g, err = newGarbage(spec, lim)
	case "repeated_keys":
		g, err = newRepeatedKeys(spec, lim)
	case "unicode_spam":
		g, err = newUnicodeSpam(spec, lim)
	case "ansi_escape":
		g, err = newANSIEscape(spec, lim)
	default:
		return nil, fmt.Errorf("payload: unknown generator type %q", spec.Type)
	}
	if err != nil {
		return nil, err
	}
	if g.EstimatedSize() > lim.MaxPayloadBytes {
		return nil, fmt.Errorf("payload: generator %q estimated size %d exceeds MAX_PAYLOAD_BYTES %d", g.Name(), g.EstimatedSize(), lim.MaxPayloadBytes)
	}
	return g, nil
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

func strParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// ── nested_json ──────────────────────────────────────────────

type nestedJSON struct {
	depth     int
	key       string
	estimated int64
}

func newNestedJSON(spec config.GeneratorSpec, lim config.Limits) (*nestedJSON, error) {
	depth := intParam(spec.Params, "depth", 10)
	if depth > lim.MaxNestDepth {
		return nil, fmt.Errorf("payload: nested_json depth %d exceeds MAX_NEST_DEPTH %d", depth, lim.MaxNestDepth)
	}
	key := strParam(spec.Params, "structure", "a")
	return &nestedJSON{depth: depth, key: key, estimated: int64(depth) * int64(len(key)+4)}, nil
}

func (g *nestedJSON) Name() string        { return "nested_json" }
func (g *nestedJSON) ProducesJSON() bool  { return true }
func (g *nestedJSON) EstimatedSize() int64 { return g.estimated }

func (g *nestedJSON) Generate() (Payload, error) {
	var buf bytes.Buffer
	for i := 0; i < g.depth; i++ {
		buf.WriteByte('{')
		buf.WriteByte('"')
		buf.WriteString(g.key)
		buf.WriteString(`":`)
	}
	buf.WriteString("{}")
	for i := 0; i < g.depth; i++ {
		buf.WriteByte('}')
	}
	return Buffered(buf.Bytes()), nil
}

// ── batch_notifications ─────────────────────────────────────

type batchNotifications struct {
	count     int
	method    string
	estimated int64
}

func newBatchNotifications(spec config.GeneratorSpec, lim config.Limits) (*batchNotifications, error) {
	count := intParam(spec.Params, "count", 100)
	if count > lim.MaxBatchSize {
		return nil, fmt.Errorf("payload: batch_notifications count %d exceeds MAX_BATCH_SIZE %d", count, lim.MaxBatchSize)
	}
	method := strParam(spec.Params, "method", "notifications/progress")
	return &batchNotifications{count: count, method: method, estimated: int64(count) * int64(len(method)+40)}, nil
}

func (g *batchNotifications) Name() string        { return "batch_notifications" }
func (g *batchNotifications) ProducesJSON() bool  { return true }
func (g *batchNotifications) EstimatedSize() int64 { return g.estimated }

func (g *batchNotifications) Generate() (Payload, error) {
	envs := make([]map[string]interface{}, g.count)
	for i := range envs {
		envs[i] = map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  g.method,
			"params":  map[string]interface{}{"index": i},
		}
	}
	b, err := json.Marshal(envs)
	if err != nil {
		return Payload{}, err
	}
	return Buffered(b), nil
}

// ── garbage ──────────────────────────────────────────────────

type garbage struct {
	bytes     int
	seed      uint64
	estimated int64
}

func newGarbage(spec config.GeneratorSpec, lim config.Limits) (*garbage, error) {
	n := intParam(spec.Params, "bytes", 1024)
	if int64(n) > lim.MaxPayloadBytes {
		return nil, fmt.Errorf("payload: garbage bytes %d exceeds MAX_PAYLOAD_BYTES %d", n, lim.MaxPayloadBytes)
	}
	seed := spec.Seed
	if seed == 0 {
		seed = 1
	}
	return &garbage{bytes: n, seed: uint64(seed), estimated: int64(n)}, nil
}

func (g *garbage) Name() string        { return "garbage" }
func (g *garbage) ProducesJSON() bool  { return false }
func (g *garbage) EstimatedSize() int64 { return g.estimated }

func (g *garbage) Generate() (Payload, error) {
	rnd := rand.New(rand.NewPCG(g.seed, g.seed^0x9e3779b97f4a7c15))
	if g.bytes > streamThreshold {
		return Streamed(&randomReader{rnd: rnd, remaining: g.bytes}, int64(g.bytes)), nil
	}
	buf := make([]byte, g.bytes)
	rnd.Read(buf)
	return Buffered(buf), nil
}

// randomReader streams deterministic pseudo-random bytes without
// materializing the whole buffer, keeping memory bounded for large
// requests (§4.6 streaming requirement).
type randomReader struct {
	rnd       *rand.Rand
	remaining int
}

func (r *randomReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	n := len(p)
	if n > r.remaining {
		n = r.remaining
	}
	r.rnd.Read(p[:n])
	r.remaining -= n
	return n, nil
}

// ── repeated_keys ────────────────────────────────────────────

type repeatedKeys struct {
	count     int
	keyLength int
	estimated int64
}

func newRepeatedKeys(spec config.GeneratorSpec, lim config.Limits) (*repeatedKeys, error) {
	count := intParam(spec.Params, "count", 1000)
	keyLen := intParam(spec.Params, "key_length", 8)
	est := int64(count) * int64(keyLen+8)
	if est > lim.MaxPayloadBytes {
		return nil, fmt.Errorf("payload: repeated_keys estimated %d exceeds MAX_PAYLOAD_BYTES %d", est, lim.MaxPayloadBytes)
	}
	return &repeatedKeys{count: count, keyLength: keyLen, estimated: est}, nil
}

func (g *repeatedKeys) Name() string        { return "repeated_keys" }
func (g *repeatedKeys) ProducesJSON() bool  { return true }
func (g *repeatedKeys) EstimatedSize() int64 { return g.estimated }

func (g *repeatedKeys) Generate() (Payload, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i < g.count; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		key := fmt.Sprintf("k%0*d", g.keyLength, i)
		buf.WriteByte('"')
		buf.WriteString(key)
		buf.WriteString(`":`)
		buf.WriteString(fmt.Sprintf("%d", i))
	}
	buf.WriteByte('}')
	return Buffered(buf.Bytes()), nil
}

// ── unicode_spam ─────────────────────────────────────────────

// adversarialRunes mixes homoglyphs, invisible/zero-width characters, and
// combining marks, the three families the spec names.
var adversarialRunes = []rune{
	'а', 'е', 'о', // Cyrillic homoglyphs for a/e/o
	'​', '‌', '‍', 0xFEFF, // zero-width / BOM
	'́', '̂', '̃', // combining marks
}

type unicodeSpam struct {
	bytesLen  int
	charset   string
	seed      uint64
	estimated int64
}

func newUnicodeSpam(spec config.GeneratorSpec, lim config.Limits) (*unicodeSpam, error) {
	n := intParam(spec.Params, "bytes", 1024)
	if int64(n) > lim.MaxPayloadBytes {
		return nil, fmt.Errorf("payload: unicode_spam bytes %d exceeds MAX_PAYLOAD_BYTES %d", n, lim.MaxPayloadBytes)
	}
	seed := spec.Seed
	if seed == 0 {
		seed = 1
	}
	return &unicodeSpam{bytesLen: n, charset: strParam(spec.Params, "charset", "mixed"), seed: uint64(seed), estimated: int64(n)}, nil
}

func (g *unicodeSpam) Name() string        { return "unicode_spam" }
func (g *unicodeSpam) ProducesJSON() bool  { return false }
func (g *unicodeSpam) EstimatedSize() int64 { return g.estimated }

func (g *unicodeSpam) Generate() (Payload, error) {
	rnd := rand.New(rand.NewPCG(g.seed, g.seed^0xbf58476d1ce4e5b9))
	var sb strings.Builder
	for sb.Len() < g.bytesLen {
		r := adversarialRunes[rnd.IntN(len(adversarialRunes))]
		sb.WriteRune(r)
	}
	return Buffered([]byte(sb.String())), nil
}

// ── ansi_escape ──────────────────────────────────────────────

var ansiSequences = []string{
	"\x1b[2J",     // clear screen
	"\x1b[H",      // cursor home
	"\x1b[?25l",   // hide cursor
	"\x1b[8m",     // conceal
	"\x1b]0;pwn\a", // set terminal title
	"\x1b[31;1m",  // bold red
}

type ansiEscape struct {
	sequences int
	count     int
	payload   string
	seed      uint64
	estimated int64
}

func newANSIEscape(spec config.GeneratorSpec, lim config.Limits) (*ansiEscape, error) {
	seqN := intParam(spec.Params, "sequences", len(ansiSequences))
	if seqN <= 0 || seqN > len(ansiSequences) {
		seqN = len(ansiSequences)
	}
	count := intParam(spec.Params, "count", 10)
	payload := strParam(spec.Params, "payload", "pwned")
	seed := spec.Seed
	if seed == 0 {
		seed = 1
	}
	est := int64(count) * int64(len(payload)+16)
	if est > lim.MaxPayloadBytes {
		return nil, fmt.Errorf("payload: ansi_escape estimated %d exceeds MAX_PAYLOAD_BYTES %d", est, lim.MaxPayloadBytes)
	}
	return &ansiEscape{sequences: seqN, count: count, payload: payload, seed: uint64(seed), estimated: est}, nil
}

func (g *ansiEscape) Name() string        { return "ansi_escape" }
func (g *ansiEscape) ProducesJSON() bool  { return false }
func (g *ansiEscape) EstimatedSize() int64 { return g.estimated }

func (g *ansiEscape) Generate() (Payload, error) {
	rnd := rand.New(rand.NewPCG(g.seed, g.seed^0x94d049bb133111eb))
	var sb strings.Builder
	for i := 0; i < g.count; i++ {
		seq := ansiSequences[rnd.IntN(g.sequences)]
		sb.WriteString(seq)
		sb.WriteString(g.payload)
	}
	return Buffered([]byte(sb.String())), nil
}
