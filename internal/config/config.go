// Package config defines the immutable ServerConfig value tree the core
// consumes (§3.1, §6), plus a minimal single-file YAML loader (loader.go).
// The full directive-resolving loader of §6 ($include, $file, $generate,
// ${env.*} expansion) is an excluded collaborator; loader.go decodes one
// flat YAML document into this tree directly, which is enough to drive
// cmd/thoughtjack without that machinery. Grounded on the teacher's
// internal/config.Load()'s envInt/envStr/envBool helper pattern.
package config

import (
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/expr-lang/expr/vm"
)

// StateScope controls whether PhaseState is per-connection or global
// (§3.1, invariant 2).
type StateScope string

const (
	StatePerConnection StateScope = "per_connection"
	StateGlobal        StateScope = "global"
)

// UnknownMethodsPolicy controls how the dispatcher handles methods outside
// the consumed set (§4.3).
type UnknownMethodsPolicy string

const (
	UnknownIgnore UnknownMethodsPolicy = "ignore"
	UnknownError  UnknownMethodsPolicy = "error"
	UnknownDrop   UnknownMethodsPolicy = "drop"
)

// ServerConfig is the immutable root (§3.1, invariant 1). Once constructed
// by the loader it is never mutated; all runtime mutation lives in
// phase.PhaseState and the core's caches.
type ServerConfig struct {
	Baseline        *Baseline
	Phases          []Phase
	DefaultBehavior *BehaviorConfig
	UnknownMethods  UnknownMethodsPolicy
	StateScope      StateScope
	Limits          Limits
}

// Baseline is the starting effective state before any phase diffs.
type Baseline struct {
	Tools        *OrderedMap[ToolItem]
	Resources    *OrderedMap[ResourceItem]
	Prompts      *OrderedMap[PromptItem]
	Capabilities map[string]interface{}
	Behavior     *BehaviorConfig
}

// ToolItem pairs a tool definition with its response strategy and optional
// item-scope behavior override.
type ToolItem struct {
	Name        string
	Description string
	InputSchema []byte // raw JSON schema, encoded (not validated) by the loader
	Response    ResponseStrategy
	Behavior    *BehaviorConfig
}

// ResourceItem pairs a resource definition with its response strategy and
// optional item-scope behavior override.
type ResourceItem struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Response    ResponseStrategy
	Behavior    *BehaviorConfig
}

// PromptItem pairs a prompt definition with its response strategy and
// optional item-scope behavior override.
type PromptItem struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Response    ResponseStrategy
	Behavior    *BehaviorConfig
}

// PromptArgument describes one named prompt argument.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Phase is one ordered element of ServerConfig.Phases (§3.1).
type Phase struct {
	Name         string
	Diff         PhaseDiff
	EntryActions []EntryAction
	Trigger      *Trigger // nil => terminal
}

// PhaseDiff describes remove/replace/add operations applied in that order,
// tools then resources then prompts (§4.2 "Effective state computation").
type PhaseDiff struct {
	RemoveTools      []string
	ReplaceTools     map[string]ToolItem
	AddTools         []ToolItem
	RemoveResources  []string
	ReplaceResources map[string]ResourceItem
	AddResources     []ResourceItem
	RemovePrompts    []string
	ReplacePrompts   map[string]PromptItem
	AddPrompts       []PromptItem
	Capabilities     map[string]interface{} // shallow-merged
	Behavior         *BehaviorConfig        // replaces wholesale
}

// EntryActionKind enumerates the actions a phase may perform on entry.
type EntryActionKind string

const (
	ActionSendNotification EntryActionKind = "send_notification"
	ActionSendRequest      EntryActionKind = "send_request"
	ActionLog              EntryActionKind = "log"
)

// EntryAction is executed after the triggering response is delivered and
// before the next request is dispatched (§3.1 invariant 6).
type EntryAction struct {
	Kind       EntryActionKind
	Method     string      // for send_notification / send_request
	Params     interface{} // templated at execution time
	IDOverride interface{} // for send_request, optional explicit id
	Message    string      // for log
}

// Trigger is the advancement condition for a phase (§3.1, §4.2).
type Trigger struct {
	Event        string // "" if time-only
	Count        int    // >= 1
	ContentMatch []FieldMatcher
	After        time.Duration
	Timeout      time.Duration // only valid alongside Event
	OnTimeout    TimeoutAction
}

// TimeoutAction is the behavior when a trigger's Timeout elapses first.
type TimeoutAction string

const (
	TimeoutAdvance TimeoutAction = "advance"
	TimeoutAbort   TimeoutAction = "abort"
)

// FieldMatcher extracts a value at Path and applies one predicate. Exactly
// one of the predicate fields is set. Compiled regexes are pre-compiled at
// load time so trigger evaluation never pays compilation cost (§4.2 step 3).
type FieldMatcher struct {
	Path string

	Equals      interface{}
	Contains    string
	Prefix      string
	Suffix      string
	Regex       *regexp.Regexp
	AnyOf       []interface{}
	GreaterThan *float64
	LessThan    *float64
	Exists      *bool // used by dynresp match branches only

	// Expr is an escape hatch for predicates the canned matchers above
	// can't express (cross-field comparisons, arithmetic, boolean
	// combinations) — an expr-lang expression over the same root value the
	// other matchers evaluate Path against, bound as `root`. ExprProgram is
	// its load-time compiled form; Path/the other predicate fields are
	// unused when this is set.
	Expr        string
	ExprProgram *vm.Program
}

// BehaviorConfig is the delivery + side-effects pair resolved per request
// (§3.1, §4.3 precedence, §4.4).
type BehaviorConfig struct {
	Delivery    DeliveryConfig
	SideEffects []SideEffectConfig
}

// DeliveryKind enumerates the five delivery behaviors (§3.1, §4.4).
type DeliveryKind string

const (
	DeliveryNormal        DeliveryKind = "normal"
	DeliverySlowLoris     DeliveryKind = "slow_loris"
	DeliveryUnboundedLine DeliveryKind = "unbounded_line"
	DeliveryNestedJSON    DeliveryKind = "nested_json"
	DeliveryResponseDelay DeliveryKind = "response_delay"
)

// DeliveryConfig configures the chosen delivery behavior. Only the fields
// relevant to Kind are meaningful.
type DeliveryConfig struct {
	Kind DeliveryKind

	ChunkSize   int // SlowLoris
	ByteDelayMs int // SlowLoris

	TargetBytes int  // UnboundedLine
	PadChar     byte // UnboundedLine

	NestDepth int    // NestedJson
	NestKey   string // NestedJson

	DelayMs int // ResponseDelay
}

// SideEffectTrigger is the lifecycle hook a side effect fires on (§3.1).
type SideEffectTrigger string

const (
	TriggerOnConnect     SideEffectTrigger = "on_connect"
	TriggerOnRequest     SideEffectTrigger = "on_request"
	TriggerOnSubscribe   SideEffectTrigger = "on_subscribe"
	TriggerOnUnsubscribe SideEffectTrigger = "on_unsubscribe"
	TriggerContinuous    SideEffectTrigger = "continuous"
)

// SideEffectKind enumerates the five side effects (§4.4).
type SideEffectKind string

const (
	SideEffectNotificationFlood   SideEffectKind = "notification_flood"
	SideEffectBatchAmplify        SideEffectKind = "batch_amplify"
	SideEffectPipeDeadlock        SideEffectKind = "pipe_deadlock"
	SideEffectCloseConnection     SideEffectKind = "close_connection"
	SideEffectDuplicateRequestIds SideEffectKind = "duplicate_request_ids"
)

// SideEffectConfig configures one side effect instance.
type SideEffectConfig struct {
	Kind    SideEffectKind
	Trigger SideEffectTrigger

	// NotificationFlood
	Method      string
	Params      interface{}
	RatePerSec  int
	DurationSec int

	// BatchAmplify
	BatchSize int

	// PipeDeadlock
	FillBytes int

	// CloseConnection
	InitialDelay time.Duration
	Graceful     bool

	// DuplicateRequestIds
	Count    int
	IDValue  interface{}
	IDSource DuplicateIDSource
}

// DuplicateIDSource resolves the Open Question on DuplicateRequestIds'
// collision target (decided in DESIGN.md / SPEC_FULL.md §9).
type DuplicateIDSource string

const (
	DuplicateIDLiteral        DuplicateIDSource = "literal"
	DuplicateIDLastClientSeen DuplicateIDSource = "last_client_seen"
)

// ResponseStrategyKind enumerates the four response strategies (§3.1).
type ResponseStrategyKind string

const (
	StrategyStatic   ResponseStrategyKind = "static"
	StrategySequence ResponseStrategyKind = "sequence"
	StrategyMatch    ResponseStrategyKind = "match"
	StrategyHandler  ResponseStrategyKind = "handler"
)

// ResponseStrategy picks how a tool/resource/prompt's content is produced.
type ResponseStrategy struct {
	Kind ResponseStrategyKind

	Static   []ContentItem
	Sequence *SequenceStrategy
	Match    []MatchBranch
	Handler  *HandlerConfig
}

// SequenceStrategy cycles through pre-built responses keyed by call count
// (§4.5 step 2).
type SequenceStrategy struct {
	Responses   [][]ContentItem
	OnExhausted ExhaustedPolicy
}

// ExhaustedPolicy is what happens once a sequence runs past its last entry.
type ExhaustedPolicy string

const (
	ExhaustedCycle ExhaustedPolicy = "cycle"
	ExhaustedLast  ExhaustedPolicy = "last"
	ExhaustedError ExhaustedPolicy = "error"
)

// MatchBranch is one ordered branch of a Match strategy (§4.5 step 1).
type MatchBranch struct {
	When     []FieldMatcher // ignored when Default is true
	Default  bool
	Static   []ContentItem
	Sequence *SequenceStrategy
	Handler  *HandlerConfig
}

// HandlerKind distinguishes the two external delegate transports (§4.5 step 3).
type HandlerKind string

const (
	HandlerHTTP       HandlerKind = "http"
	HandlerSubprocess HandlerKind = "subprocess"
)

// HandlerConfig configures an external HTTP or subprocess content handler.
// Disabled unless Enabled is explicitly set true (safety default, §4.5).
type HandlerConfig struct {
	Kind    HandlerKind
	Enabled bool

	URL     string // HTTP
	Command string // Subprocess
	Args    []string

	Timeout time.Duration // default 30s, max 5m, enforced by dynresp
}

// ContentItemKind distinguishes the three content variants (§3.1).
type ContentItemKind string

const (
	ContentText     ContentItemKind = "text"
	ContentImage    ContentItemKind = "image"
	ContentResource ContentItemKind = "resource"
)

// ContentItem mirrors the spec's ContentItem variants.
type ContentItem struct {
	Kind ContentItemKind

	// Text
	Value ContentValue

	// Image / Resource
	Data     ContentValue // inline data, resolved from File at load time
	File     string
	MimeType string
	URI      string // Resource
}

// ContentValueKind distinguishes static strings from lazy generators.
type ContentValueKind string

const (
	ValueStatic    ContentValueKind = "static"
	ValueGenerator ContentValueKind = "generator"
)

// ContentValue may be a plain string or a lazy payload generator factory.
// Generator factories are invoked at response-construction time, never at
// load time (§4.6's critical contract).
type ContentValue struct {
	Kind      ContentValueKind
	Static    string
	Generator GeneratorSpec
}

// GeneratorSpec names a payload generator and its parameters; the factory
// itself is constructed by internal/payload from this spec.
type GeneratorSpec struct {
	Type   string
	Params map[string]interface{}
	Seed   int64
}

// Limits holds the resource bounds of §5, tunable via THOUGHTJACK_* env vars
// (§6).
type Limits struct {
	MaxMessageBytes     int64
	MaxPayloadBytes     int64
	MaxNestDepth        int
	MaxBatchSize        int
	TimerIntervalMs     int
	MaxEventCardinality int
	MaxFloodRatePerSec  int
	RegexTimeout        time.Duration
	ShutdownGrace       time.Duration
}

// DefaultLimits returns the §5/§4.6 defaults before env overrides.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes:     10 * 1024 * 1024,
		MaxPayloadBytes:     100 * 1024 * 1024,
		MaxNestDepth:        100_000,
		MaxBatchSize:        100_000,
		TimerIntervalMs:     100,
		MaxEventCardinality: 10_000,
		MaxFloodRatePerSec:  10_000,
		RegexTimeout:        100 * time.Millisecond,
		ShutdownGrace:       2 * time.Second,
	}
}

// LoadLimits returns DefaultLimits with THOUGHTJACK_* env var overrides
// applied (§6).
func LoadLimits() Limits {
	l := DefaultLimits()
	l.MaxMessageBytes = envInt64("THOUGHTJACK_MAX_MESSAGE_SIZE", l.MaxMessageBytes)
	l.MaxPayloadBytes = envInt64("THOUGHTJACK_MAX_PAYLOAD_BYTES", l.MaxPayloadBytes)
	l.MaxNestDepth = envInt("THOUGHTJACK_MAX_NEST_DEPTH", l.MaxNestDepth)
	l.MaxBatchSize = envInt("THOUGHTJACK_MAX_BATCH_SIZE", l.MaxBatchSize)
	l.TimerIntervalMs = envInt("THOUGHTJACK_TIMER_INTERVAL_MS", l.TimerIntervalMs)
	return l
}

// LoadStateScope reads THOUGHTJACK_STATE_SCOPE, defaulting to per-connection
// when unset or unrecognized.
func LoadStateScope() StateScope {
	switch envStr("THOUGHTJACK_STATE_SCOPE", string(StatePerConnection)) {
	case string(StateGlobal):
		return StateGlobal
	default:
		return StatePerConnection
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}
