package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"
)

// LoadFromFile reads and converts a YAML config document into a
// ServerConfig. Scope note: the full loader specification's $include,
// $file, $generate directives and ${env.*} expansion (§6 "Configuration
// interface") are an excluded collaborator — the core only consumes the
// post-validation value tree. This is the minimal decoder that produces
// one: a flat YAML document, no directive resolution, used by
// cmd/thoughtjack to drive the core directly from a single file.
func LoadFromFile(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc rawDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return doc.build()
}

// rawDocument mirrors ServerConfig's shape as plain YAML-tagged types;
// slices preserve document order, which build() carries into the
// IndexMap-backed OrderedMap fields (§6 "loader must preserve insertion
// order").
type rawDocument struct {
	Baseline        *rawBaseline          `yaml:"baseline"`
	Phases          []rawPhase            `yaml:"phases"`
	DefaultBehavior *rawBehavior          `yaml:"default_behavior"`
	UnknownMethods  string                `yaml:"unknown_methods"`
	StateScope      string                `yaml:"state_scope"`
	Limits          *rawLimits            `yaml:"limits"`
}

type rawLimits struct {
	MaxMessageBytes     int64 `yaml:"max_message_bytes"`
	MaxPayloadBytes     int64 `yaml:"max_payload_bytes"`
	MaxNestDepth        int   `yaml:"max_nest_depth"`
	MaxBatchSize        int   `yaml:"max_batch_size"`
	TimerIntervalMs     int   `yaml:"timer_interval_ms"`
	MaxEventCardinality int   `yaml:"max_event_cardinality"`
	MaxFloodRatePerSec  int   `yaml:"max_flood_rate_per_sec"`
}

type rawBaseline struct {
	Tools        []rawToolItem          `yaml:"tools"`
	Resources    []rawResourceItem      `yaml:"resources"`
	Prompts      []rawPromptItem        `yaml:"prompts"`
	Capabilities map[string]interface{} `yaml:"capabilities"`
	Behavior     *rawBehavior           `yaml:"behavior"`
}

type rawToolItem struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	InputSchema map[string]interface{} `yaml:"input_schema"`
	Response    rawResponseStrategy `yaml:"response"`
	Behavior    *rawBehavior        `yaml:"behavior"`
}

type rawResourceItem struct {
	URI         string              `yaml:"uri"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	MimeType    string              `yaml:"mime_type"`
	Response    rawResponseStrategy `yaml:"response"`
	Behavior    *rawBehavior        `yaml:"behavior"`
}

type rawPromptItem struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Arguments   []rawPromptArgument `yaml:"arguments"`
	Response    rawResponseStrategy `yaml:"response"`
	Behavior    *rawBehavior        `yaml:"behavior"`
}

type rawPromptArgument struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

type rawPhase struct {
	Name         string          `yaml:"name"`
	Diff         rawPhaseDiff    `yaml:"diff"`
	EntryActions []rawEntryAction `yaml:"on_enter"`
	Trigger      *rawTrigger     `yaml:"trigger"`
}

type rawPhaseDiff struct {
	RemoveTools      []string                   `yaml:"remove_tools"`
	ReplaceTools     map[string]rawToolItem     `yaml:"replace_tools"`
	AddTools         []rawToolItem              `yaml:"add_tools"`
	RemoveResources  []string                   `yaml:"remove_resources"`
	ReplaceResources map[string]rawResourceItem `yaml:"replace_resources"`
	AddResources     []rawResourceItem          `yaml:"add_resources"`
	RemovePrompts    []string                   `yaml:"remove_prompts"`
	ReplacePrompts   map[string]rawPromptItem   `yaml:"replace_prompts"`
	AddPrompts       []rawPromptItem            `yaml:"add_prompts"`
	Capabilities     map[string]interface{}     `yaml:"capabilities"`
	Behavior         *rawBehavior               `yaml:"behavior"`
}

type rawEntryAction struct {
	Kind       string      `yaml:"kind"`
	Method     string      `yaml:"method"`
	Params     interface{} `yaml:"params"`
	IDOverride interface{} `yaml:"id_override"`
	Message    string      `yaml:"message"`
}

type rawTrigger struct {
	Event        string           `yaml:"event"`
	Count        int              `yaml:"count"`
	ContentMatch []rawFieldMatcher `yaml:"content_match"`
	AfterMs      int64            `yaml:"after_ms"`
	TimeoutMs    int64            `yaml:"timeout_ms"`
	OnTimeout    string           `yaml:"on_timeout"`
}

type rawFieldMatcher struct {
	Path        string        `yaml:"path"`
	Equals      interface{}   `yaml:"equals"`
	Contains    string        `yaml:"contains"`
	Prefix      string        `yaml:"prefix"`
	Suffix      string        `yaml:"suffix"`
	Regex       string        `yaml:"regex"`
	AnyOf       []interface{} `yaml:"any_of"`
	GreaterThan *float64      `yaml:"gt"`
	LessThan    *float64      `yaml:"lt"`
	Exists      *bool         `yaml:"exists"`
	Expr        string        `yaml:"expr"`
}

type rawBehavior struct {
	Delivery    rawDelivery        `yaml:"delivery"`
	SideEffects []rawSideEffect    `yaml:"side_effects"`
}

type rawDelivery struct {
	Kind        string `yaml:"kind"`
	ChunkSize   int    `yaml:"chunk_size"`
	ByteDelayMs int    `yaml:"byte_delay_ms"`
	TargetBytes int    `yaml:"target_bytes"`
	PadChar     string `yaml:"padding_char"`
	NestDepth   int    `yaml:"depth"`
	NestKey     string `yaml:"key"`
	DelayMs     int    `yaml:"delay_ms"`
}

type rawSideEffect struct {
	Kind         string      `yaml:"kind"`
	Trigger      string      `yaml:"trigger"`
	Method       string      `yaml:"method"`
	Params       interface{} `yaml:"params"`
	RatePerSec   int         `yaml:"rate_per_sec"`
	DurationSec  int         `yaml:"duration_sec"`
	BatchSize    int         `yaml:"batch_size"`
	FillBytes    int         `yaml:"fill_bytes"`
	InitialDelayMs int       `yaml:"initial_delay_ms"`
	Graceful     bool        `yaml:"graceful"`
	Count        int         `yaml:"count"`
	IDValue      interface{} `yaml:"id_value"`
	IDSource     string      `yaml:"id_source"`
}

type rawResponseStrategy struct {
	Kind     string             `yaml:"kind"`
	Static   []rawContentItem   `yaml:"static"`
	Sequence *rawSequence       `yaml:"sequence"`
	Match    []rawMatchBranch   `yaml:"match"`
	Handler  *rawHandler        `yaml:"handler"`
}

type rawSequence struct {
	Responses   [][]rawContentItem `yaml:"responses"`
	OnExhausted string             `yaml:"on_exhausted"`
}

type rawMatchBranch struct {
	When     []rawFieldMatcher `yaml:"when"`
	Default  bool              `yaml:"default"`
	Static   []rawContentItem  `yaml:"static"`
	Sequence *rawSequence      `yaml:"sequence"`
	Handler  *rawHandler       `yaml:"handler"`
}

type rawHandler struct {
	Enabled bool     `yaml:"enabled"`
	Kind    string   `yaml:"kind"`
	URL     string   `yaml:"url"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type rawContentItem struct {
	Kind     string          `yaml:"kind"`
	Value    rawContentValue `yaml:"value"`
	Data     rawContentValue `yaml:"data"`
	MimeType string          `yaml:"mime_type"`
	URI      string          `yaml:"uri"`
}

type rawContentValue struct {
	Static    string             `yaml:"static"`
	Generator *rawGeneratorSpec  `yaml:"generator"`
}

type rawGeneratorSpec struct {
	Type   string                 `yaml:"type"`
	Params map[string]interface{} `yaml:"params"`
	Seed   int64                  `yaml:"seed"`
}

func (doc *rawDocument) build() (*ServerConfig, error) {
	cfg := &ServerConfig{
		UnknownMethods: UnknownMethodsPolicy(orDefault(doc.UnknownMethods, string(UnknownIgnore))),
		StateScope:     StateScope(orDefault(doc.StateScope, string(StatePerConnection))),
		Limits:         DefaultLimits(),
	}

	if doc.Limits != nil {
		applyRawLimits(&cfg.Limits, doc.Limits)
	}

	if doc.Baseline != nil {
		b, err := doc.Baseline.build()
		if err != nil {
			return nil, err
		}
		cfg.Baseline = b
	}

	if doc.DefaultBehavior != nil {
		b, err := doc.DefaultBehavior.build()
		if err != nil {
			return nil, err
		}
		cfg.DefaultBehavior = b
	}

	for _, rp := range doc.Phases {
		p, err := rp.build()
		if err != nil {
			return nil, err
		}
		cfg.Phases = append(cfg.Phases, p)
	}

	return cfg, nil
}

func applyRawLimits(l *Limits, r *rawLimits) {
	if r.MaxMessageBytes > 0 {
		l.MaxMessageBytes = r.MaxMessageBytes
	}
	if r.MaxPayloadBytes > 0 {
		l.MaxPayloadBytes = r.MaxPayloadBytes
	}
	if r.MaxNestDepth > 0 {
		l.MaxNestDepth = r.MaxNestDepth
	}
	if r.MaxBatchSize > 0 {
		l.MaxBatchSize = r.MaxBatchSize
	}
	if r.TimerIntervalMs > 0 {
		l.TimerIntervalMs = r.TimerIntervalMs
	}
	if r.MaxEventCardinality > 0 {
		l.MaxEventCardinality = r.MaxEventCardinality
	}
	if r.MaxFloodRatePerSec > 0 {
		l.MaxFloodRatePerSec = r.MaxFloodRatePerSec
	}
}

func (rb *rawBaseline) build() (*Baseline, error) {
	b := &Baseline{
		Tools:        NewOrderedMap[ToolItem](),
		Resources:    NewOrderedMap[ResourceItem](),
		Prompts:      NewOrderedMap[PromptItem](),
		Capabilities: rb.Capabilities,
	}
	for _, rt := range rb.Tools {
		item, err := rt.build()
		if err != nil {
			return nil, err
		}
		b.Tools.Set(item.Name, item)
	}
	for _, rr := range rb.Resources {
		item, err := rr.build()
		if err != nil {
			return nil, err
		}
		b.Resources.Set(item.URI, item)
	}
	for _, rp := range rb.Prompts {
		item, err := rp.build()
		if err != nil {
			return nil, err
		}
		b.Prompts.Set(item.Name, item)
	}
	if rb.Behavior != nil {
		beh, err := rb.Behavior.build()
		if err != nil {
			return nil, err
		}
		b.Behavior = beh
	}
	return b, nil
}

func (rt *rawToolItem) build() (ToolItem, error) {
	resp, err := rt.Response.build()
	if err != nil {
		return ToolItem{}, err
	}
	var schema []byte
	if rt.InputSchema != nil {
		schema, _ = json.Marshal(rt.InputSchema)
	}
	var beh *BehaviorConfig
	if rt.Behavior != nil {
		beh, err = rt.Behavior.build()
		if err != nil {
			return ToolItem{}, err
		}
	}
	return ToolItem{Name: rt.Name, Description: rt.Description, InputSchema: schema, Response: resp, Behavior: beh}, nil
}

func (rr *rawResourceItem) build() (ResourceItem, error) {
	resp, err := rr.Response.build()
	if err != nil {
		return ResourceItem{}, err
	}
	var beh *BehaviorConfig
	if rr.Behavior != nil {
		beh, err = rr.Behavior.build()
		if err != nil {
			return ResourceItem{}, err
		}
	}
	return ResourceItem{URI: rr.URI, Name: rr.Name, Description: rr.Description, MimeType: rr.MimeType, Response: resp, Behavior: beh}, nil
}

func (rp *rawPromptItem) build() (PromptItem, error) {
	resp, err := rp.Response.build()
	if err != nil {
		return PromptItem{}, err
	}
	args := make([]PromptArgument, 0, len(rp.Arguments))
	for _, a := range rp.Arguments {
		args = append(args, PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
	}
	var beh *BehaviorConfig
	if rp.Behavior != nil {
		beh, err = rp.Behavior.build()
		if err != nil {
			return PromptItem{}, err
		}
	}
	return PromptItem{Name: rp.Name, Description: rp.Description, Arguments: args, Response: resp, Behavior: beh}, nil
}

func (rph *rawPhase) build() (Phase, error) {
	diff, err := rph.Diff.build()
	if err != nil {
		return Phase{}, err
	}
	actions := make([]EntryAction, 0, len(rph.EntryActions))
	for _, a := range rph.EntryActions {
		actions = append(actions, EntryAction{
			Kind: EntryActionKind(a.Kind), Method: a.Method, Params: a.Params,
			IDOverride: a.IDOverride, Message: a.Message,
		})
	}
	var trig *Trigger
	if rph.Trigger != nil {
		t, err := rph.Trigger.build()
		if err != nil {
			return Phase{}, err
		}
		trig = t
	}
	return Phase{Name: rph.Name, Diff: diff, EntryActions: actions, Trigger: trig}, nil
}

func (rd *rawPhaseDiff) build() (PhaseDiff, error) {
	diff := PhaseDiff{
		RemoveTools:     rd.RemoveTools,
		RemoveResources: rd.RemoveResources,
		RemovePrompts:   rd.RemovePrompts,
		Capabilities:    rd.Capabilities,
	}
	if len(rd.ReplaceTools) > 0 {
		diff.ReplaceTools = make(map[string]ToolItem, len(rd.ReplaceTools))
		for k, v := range rd.ReplaceTools {
			item, err := v.build()
			if err != nil {
				return PhaseDiff{}, err
			}
			diff.ReplaceTools[k] = item
		}
	}
	for _, v := range rd.AddTools {
		item, err := v.build()
		if err != nil {
			return PhaseDiff{}, err
		}
		diff.AddTools = append(diff.AddTools, item)
	}
	if len(rd.ReplaceResources) > 0 {
		diff.ReplaceResources = make(map[string]ResourceItem, len(rd.ReplaceResources))
		for k, v := range rd.ReplaceResources {
			item, err := v.build()
			if err != nil {
				return PhaseDiff{}, err
			}
			diff.ReplaceResources[k] = item
		}
	}
	for _, v := range rd.AddResources {
		item, err := v.build()
		if err != nil {
			return PhaseDiff{}, err
		}
		diff.AddResources = append(diff.AddResources, item)
	}
	if len(rd.ReplacePrompts) > 0 {
		diff.ReplacePrompts = make(map[string]PromptItem, len(rd.ReplacePrompts))
		for k, v := range rd.ReplacePrompts {
			item, err := v.build()
			if err != nil {
				return PhaseDiff{}, err
			}
			diff.ReplacePrompts[k] = item
		}
	}
	for _, v := range rd.AddPrompts {
		item, err := v.build()
		if err != nil {
			return PhaseDiff{}, err
		}
		diff.AddPrompts = append(diff.AddPrompts, item)
	}
	if rd.Behavior != nil {
		beh, err := rd.Behavior.build()
		if err != nil {
			return PhaseDiff{}, err
		}
		diff.Behavior = beh
	}
	return diff, nil
}

func (rt *rawTrigger) build() (*Trigger, error) {
	matchers := make([]FieldMatcher, 0, len(rt.ContentMatch))
	for _, m := range rt.ContentMatch {
		fm, err := m.build()
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, fm)
	}
	return &Trigger{
		Event:        rt.Event,
		Count:        rt.Count,
		ContentMatch: matchers,
		After:        time.Duration(rt.AfterMs) * time.Millisecond,
		Timeout:      time.Duration(rt.TimeoutMs) * time.Millisecond,
		OnTimeout:    TimeoutAction(orDefault(rt.OnTimeout, string(TimeoutAdvance))),
	}, nil
}

func (m *rawFieldMatcher) build() (FieldMatcher, error) {
	fm := FieldMatcher{
		Path: m.Path, Equals: m.Equals, Contains: m.Contains, Prefix: m.Prefix,
		Suffix: m.Suffix, AnyOf: m.AnyOf, GreaterThan: m.GreaterThan, LessThan: m.LessThan, Exists: m.Exists,
		Expr: m.Expr,
	}
	if m.Regex != "" {
		re, err := regexp.Compile(m.Regex)
		if err != nil {
			return FieldMatcher{}, fmt.Errorf("config: compile regex %q: %w", m.Regex, err)
		}
		fm.Regex = re
	}
	if m.Expr != "" {
		program, err := expr.Compile(m.Expr)
		if err != nil {
			return FieldMatcher{}, fmt.Errorf("config: compile expr %q: %w", m.Expr, err)
		}
		fm.ExprProgram = program
	}
	return fm, nil
}

func (rb *rawBehavior) build() (*BehaviorConfig, error) {
	effects := make([]SideEffectConfig, 0, len(rb.SideEffects))
	for _, e := range rb.SideEffects {
		effects = append(effects, SideEffectConfig{
			Kind: SideEffectKind(e.Kind), Trigger: SideEffectTrigger(e.Trigger),
			Method: e.Method, Params: e.Params, RatePerSec: e.RatePerSec, DurationSec: e.DurationSec,
			BatchSize: e.BatchSize, FillBytes: e.FillBytes,
			InitialDelay: time.Duration(e.InitialDelayMs) * time.Millisecond, Graceful: e.Graceful,
			Count: e.Count, IDValue: e.IDValue, IDSource: DuplicateIDSource(orDefault(e.IDSource, string(DuplicateIDLastClientSeen))),
		})
	}
	var padChar byte
	if len(rb.Delivery.PadChar) > 0 {
		padChar = rb.Delivery.PadChar[0]
	}
	return &BehaviorConfig{
		Delivery: DeliveryConfig{
			Kind: DeliveryKind(orDefault(rb.Delivery.Kind, string(DeliveryNormal))),
			ChunkSize: rb.Delivery.ChunkSize, ByteDelayMs: rb.Delivery.ByteDelayMs,
			TargetBytes: rb.Delivery.TargetBytes, PadChar: padChar,
			NestDepth: rb.Delivery.NestDepth, NestKey: rb.Delivery.NestKey, DelayMs: rb.Delivery.DelayMs,
		},
		SideEffects: effects,
	}, nil
}

func (rs *rawResponseStrategy) build() (ResponseStrategy, error) {
	kind := ResponseStrategyKind(orDefault(rs.Kind, string(StrategyStatic)))
	strat := ResponseStrategy{Kind: kind}
	if len(rs.Static) > 0 {
		items, err := buildContentItems(rs.Static)
		if err != nil {
			return ResponseStrategy{}, err
		}
		strat.Static = items
	}
	if rs.Sequence != nil {
		seq, err := rs.Sequence.build()
		if err != nil {
			return ResponseStrategy{}, err
		}
		strat.Sequence = seq
	}
	if len(rs.Match) > 0 {
		branches := make([]MatchBranch, 0, len(rs.Match))
		for _, m := range rs.Match {
			b, err := m.build()
			if err != nil {
				return ResponseStrategy{}, err
			}
			branches = append(branches, b)
		}
		strat.Match = branches
	}
	if rs.Handler != nil {
		h, err := rs.Handler.build()
		if err != nil {
			return ResponseStrategy{}, err
		}
		strat.Handler = h
	}
	return strat, nil
}

func (s *rawSequence) build() (*SequenceStrategy, error) {
	responses := make([][]ContentItem, 0, len(s.Responses))
	for _, r := range s.Responses {
		items, err := buildContentItems(r)
		if err != nil {
			return nil, err
		}
		responses = append(responses, items)
	}
	return &SequenceStrategy{
		Responses:   responses,
		OnExhausted: ExhaustedPolicy(orDefault(s.OnExhausted, string(ExhaustedLast))),
	}, nil
}

func (mb *rawMatchBranch) build() (MatchBranch, error) {
	matchers := make([]FieldMatcher, 0, len(mb.When))
	for _, w := range mb.When {
		fm, err := w.build()
		if err != nil {
			return MatchBranch{}, err
		}
		matchers = append(matchers, fm)
	}
	branch := MatchBranch{When: matchers, Default: mb.Default}
	if len(mb.Static) > 0 {
		items, err := buildContentItems(mb.Static)
		if err != nil {
			return MatchBranch{}, err
		}
		branch.Static = items
	}
	if mb.Sequence != nil {
		seq, err := mb.Sequence.build()
		if err != nil {
			return MatchBranch{}, err
		}
		branch.Sequence = seq
	}
	if mb.Handler != nil {
		h, err := mb.Handler.build()
		if err != nil {
			return MatchBranch{}, err
		}
		branch.Handler = h
	}
	return branch, nil
}

func (rh *rawHandler) build() (*HandlerConfig, error) {
	return &HandlerConfig{
		Enabled: rh.Enabled, Kind: HandlerKind(orDefault(rh.Kind, string(HandlerHTTP))),
		URL: rh.URL, Command: rh.Command, Args: rh.Args,
		Timeout: time.Duration(rh.TimeoutMs) * time.Millisecond,
	}, nil
}

func buildContentItems(raw []rawContentItem) ([]ContentItem, error) {
	items := make([]ContentItem, 0, len(raw))
	for _, r := range raw {
		val, err := r.Value.build()
		if err != nil {
			return nil, err
		}
		data, err := r.Data.build()
		if err != nil {
			return nil, err
		}
		items = append(items, ContentItem{
			Kind: ContentItemKind(orDefault(r.Kind, string(ContentText))),
			Value: val, Data: data, MimeType: r.MimeType, URI: r.URI,
		})
	}
	return items, nil
}

func (v *rawContentValue) build() (ContentValue, error) {
	if v.Generator != nil {
		return ContentValue{
			Kind: ValueGenerator,
			Generator: GeneratorSpec{Type: v.Generator.Type, Params: v.Generator.Params, Seed: v.Generator.Seed},
		}, nil
	}
	return ContentValue{Kind: ValueStatic, Static: v.Static}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
