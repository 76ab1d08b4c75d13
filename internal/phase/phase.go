// Package phase implements the Phase Engine of §4.2: per-connection or
// global phase state, event counting, trigger evaluation, effective-state
// computation, and transition broadcast. Grounded on the teacher's
// internal/mcpgw.Gateway broadcast/subscribe fan-out (§4.1's SSE pattern,
// generalized here to phase transitions) and its atomic counter idioms.
package phase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/internal/dynresp"
)

// EffectiveState is the materialized tool/resource/prompt/capability/
// behavior view a connection currently sees (§4.2 "Effective state
// computation").
type EffectiveState struct {
	Tools        *config.OrderedMap[config.ToolItem]
	Resources    *config.OrderedMap[config.ResourceItem]
	Prompts      *config.OrderedMap[config.PromptItem]
	Capabilities map[string]interface{}
	Behavior     *config.BehaviorConfig
	PhaseName    string
	PhaseIndex   int
}

// Transition is returned by RecordEvent/CheckTimeTriggers when a phase
// advances (§4.2 "Transition execution").
type Transition struct {
	From         int
	To           int
	TriggerKind  string // "event" or "timeout"
	EntryActions []config.EntryAction
	PhaseName    string
}

const transitionQueueSize = 64

// State is one phase state machine instance — Owned by a single connection
// under StatePerConnection, or Shared across every connection under
// StateGlobal (§4.2 "State scope").
type State struct {
	cfg *config.ServerConfig

	currentPhase   atomic.Int64
	phaseEnteredAt atomic.Int64 // UnixNano
	serverStarted  time.Time
	terminal       atomic.Bool

	countersMu sync.RWMutex
	counters   map[string]*atomic.Int64
	maxCard    int

	cacheMu    sync.RWMutex
	cache      *EffectiveState
	cacheValid atomic.Bool

	subMu sync.Mutex
	subs  map[int]chan Transition
	nextSub int

	isSimple bool
}

// New constructs a State bound to cfg. Every connection under
// StatePerConnection gets its own via create_connection_state; all
// connections under StateGlobal share one instance (§4.2).
func New(cfg *config.ServerConfig) *State {
	s := &State{
		cfg:           cfg,
		serverStarted: time.Now(),
		counters:      make(map[string]*atomic.Int64),
		maxCard:       cfg.Limits.MaxEventCardinality,
		subs:          make(map[int]chan Transition),
		isSimple:      len(cfg.Phases) == 0 && cfg.Baseline == nil,
	}
	s.phaseEnteredAt.Store(time.Now().UnixNano())
	if s.isSimple || len(cfg.Phases) == 0 {
		s.terminal.Store(true)
	}
	return s
}

// Subscribe returns a bounded, drop-on-full channel of transitions and an
// unsubscribe func, mirroring the teacher's Subscribe/Unsubscribe pair.
func (s *State) Subscribe() (<-chan Transition, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Transition, transitionQueueSize)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *State) broadcast(t Transition) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

// counterKey builds the counter-map key for one event/name pair.
func counterKey(eventType, name string) string {
	if name == "" {
		return eventType
	}
	return eventType + ":" + name
}

func (s *State) incr(key string) int64 {
	s.countersMu.RLock()
	c, ok := s.counters[key]
	s.countersMu.RUnlock()
	if ok {
		return c.Add(1)
	}

	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	if c, ok := s.counters[key]; ok {
		return c.Add(1)
	}
	if s.maxCard > 0 && len(s.counters) >= s.maxCard {
		// Cardinality cap reached (§4.2, §5): count against a shared
		// overflow bucket rather than growing unbounded.
		c, ok := s.counters["__overflow__"]
		if !ok {
			c = &atomic.Int64{}
			s.counters["__overflow__"] = c
		}
		return c.Add(1)
	}
	c = &atomic.Int64{}
	c.Store(1)
	s.counters[key] = c
	return 1
}

func (s *State) count(key string) int64 {
	s.countersMu.RLock()
	defer s.countersMu.RUnlock()
	if c, ok := s.counters[key]; ok {
		return c.Load()
	}
	return 0
}

// RecordEvent increments both the plain event counter and the
// event:name-specific counter, then attempts to advance the phase if the
// current phase's trigger matches (§4.2 "Event recording", "Trigger
// evaluation" steps 1-3,5).
func (s *State) RecordEvent(eventType, name string, params interface{}) *Transition {
	s.incr(eventType)
	if name != "" {
		s.incr(counterKey(eventType, name))
	}
	return s.tryAdvance(eventType, name, params)
}

// CheckTimeTriggers is invoked by the dedicated timer task at ≤100ms
// intervals (§4.2 "Timers"). It only fires `after`-only triggers (no
// event) and timeout races, never event-pattern triggers — those only
// fire from RecordEvent.
func (s *State) CheckTimeTriggers() *Transition {
	return s.tryAdvance("", "", nil)
}

// tryAdvance implements §4.2 "Trigger evaluation" steps 1,2,4,5. eventType
// "" means this call originates from the timer task, not a request.
func (s *State) tryAdvance(eventType, name string, params interface{}) *Transition {
	if s.terminal.Load() {
		return nil
	}
	expected := int(s.currentPhase.Load())
	if expected >= len(s.cfg.Phases) {
		return nil
	}
	ph := s.cfg.Phases[expected]
	if ph.Trigger == nil {
		return nil // terminal phase, no trigger configured
	}
	trig := ph.Trigger

	fired, kind := s.evaluateTrigger(trig, eventType, name, params, expected)
	if !fired {
		return nil
	}

	// CAS: exactly one caller wins the advance for this expected phase.
	if !s.currentPhase.CompareAndSwap(int64(expected), int64(expected+1)) {
		return nil // AlreadyTransitioned — another caller won
	}

	s.phaseEnteredAt.Store(time.Now().UnixNano())
	s.cacheValid.Store(false)
	next := expected + 1
	if next >= len(s.cfg.Phases) || s.cfg.Phases[next].Trigger == nil {
		s.terminal.Store(next >= len(s.cfg.Phases))
	}

	t := Transition{
		From:         expected,
		To:           next,
		TriggerKind:  kind,
		EntryActions: ph.EntryActions,
		PhaseName:    s.phaseNameAt(next),
	}
	s.broadcast(t)
	return &t
}

// evaluateTrigger implements steps 2-4 of §4.2 "Trigger evaluation". trig.Event
// may name either a plain method ("tools/call") or the qualified form
// ("tools/call:calc", §3.1 EventType) that scopes the trigger to one named
// tool/resource; eventType is always the plain method, so the qualified form
// is matched against eventType+":"+name instead.
func (s *State) evaluateTrigger(trig *config.Trigger, eventType, name string, params interface{}, expected int) (bool, string) {
	if trig.Event != "" {
		qualified := name != "" && trig.Event == eventType+":"+name
		if eventType != trig.Event && !qualified {
			return s.checkTimeout(trig, expected)
		}
		target := trig.Count
		if target < 1 {
			target = 1
		}
		key := trig.Event
		if s.count(key) < int64(target) {
			return s.checkTimeout(trig, expected)
		}
		if len(trig.ContentMatch) > 0 {
			wrapped := map[string]interface{}{"args": params}
			if !dynresp.MatchAll(wrapped, trig.ContentMatch, s.cfg.Limits.RegexTimeout) {
				return s.checkTimeout(trig, expected)
			}
		}
		return true, "event"
	}

	if trig.After > 0 {
		enteredAt := time.Unix(0, s.phaseEnteredAt.Load())
		if time.Since(enteredAt) >= trig.After {
			return true, "timeout"
		}
	}
	return false, ""
}

// checkTimeout handles the race between an event trigger's own arrival and
// its Timeout elapsing; event wins ties (§4.2 "Timers").
func (s *State) checkTimeout(trig *config.Trigger, expected int) (bool, string) {
	if trig.Timeout <= 0 {
		return false, ""
	}
	enteredAt := time.Unix(0, s.phaseEnteredAt.Load())
	if time.Since(enteredAt) < trig.Timeout {
		return false, ""
	}
	if trig.OnTimeout == config.TimeoutAbort {
		return false, ""
	}
	return true, "timeout"
}

func (s *State) phaseNameAt(idx int) string {
	if idx < 0 || idx >= len(s.cfg.Phases) {
		return ""
	}
	return s.cfg.Phases[idx].Name
}

// EffectiveState returns the cached view or recomputes it per §4.2
// "Effective state computation": clone baseline, apply remove→replace→add
// for tools then resources then prompts across every phase diff up to and
// including the current phase, shallow-merge capabilities, and replace
// behavior wholesale on each diff that sets one.
func (s *State) EffectiveState() EffectiveState {
	if s.cacheValid.Load() {
		s.cacheMu.RLock()
		cached := s.cache
		s.cacheMu.RUnlock()
		if cached != nil {
			return *cached
		}
	}

	es := s.computeEffectiveState()
	s.cacheMu.Lock()
	s.cache = &es
	s.cacheMu.Unlock()
	s.cacheValid.Store(true)
	return es
}

func (s *State) computeEffectiveState() EffectiveState {
	idx := int(s.currentPhase.Load())

	if s.cfg.Baseline == nil && len(s.cfg.Phases) == 0 {
		return EffectiveState{
			Tools:     config.NewOrderedMap[config.ToolItem](),
			Resources: config.NewOrderedMap[config.ResourceItem](),
			Prompts:   config.NewOrderedMap[config.PromptItem](),
		}
	}

	var (
		tools     = config.NewOrderedMap[config.ToolItem]()
		resources = config.NewOrderedMap[config.ResourceItem]()
		prompts   = config.NewOrderedMap[config.PromptItem]()
		caps      = map[string]interface{}{}
		behavior  = s.cfg.DefaultBehavior
	)

	if b := s.cfg.Baseline; b != nil {
		if b.Tools != nil {
			tools = b.Tools.Clone()
		}
		if b.Resources != nil {
			resources = b.Resources.Clone()
		}
		if b.Prompts != nil {
			prompts = b.Prompts.Clone()
		}
		for k, v := range b.Capabilities {
			caps[k] = v
		}
		if b.Behavior != nil {
			behavior = b.Behavior
		}
	}

	for i := 0; i <= idx && i < len(s.cfg.Phases); i++ {
		applyDiff(tools, resources, prompts, caps, s.cfg.Phases[i].Diff)
		if s.cfg.Phases[i].Diff.Behavior != nil {
			behavior = s.cfg.Phases[i].Diff.Behavior
		}
	}

	return EffectiveState{
		Tools:        tools,
		Resources:    resources,
		Prompts:      prompts,
		Capabilities: caps,
		Behavior:     behavior,
		PhaseName:    s.phaseNameAt(idx),
		PhaseIndex:   idx,
	}
}

// applyDiff applies remove→replace→add, tools then resources then prompts,
// and shallow-merges capabilities (§4.2).
func applyDiff(
	tools *config.OrderedMap[config.ToolItem],
	resources *config.OrderedMap[config.ResourceItem],
	prompts *config.OrderedMap[config.PromptItem],
	caps map[string]interface{},
	diff config.PhaseDiff,
) {
	for _, name := range diff.RemoveTools {
		tools.Delete(name)
	}
	for name, item := range diff.ReplaceTools {
		tools.Set(name, item)
	}
	for _, item := range diff.AddTools {
		tools.Set(item.Name, item)
	}

	for _, uri := range diff.RemoveResources {
		resources.Delete(uri)
	}
	for uri, item := range diff.ReplaceResources {
		resources.Set(uri, item)
	}
	for _, item := range diff.AddResources {
		resources.Set(item.URI, item)
	}

	for _, name := range diff.RemovePrompts {
		prompts.Delete(name)
	}
	for name, item := range diff.ReplacePrompts {
		prompts.Set(name, item)
	}
	for _, item := range diff.AddPrompts {
		prompts.Set(item.Name, item)
	}

	for k, v := range diff.Capabilities {
		caps[k] = v
	}
}

// CurrentPhaseIndex returns the phase index this state currently occupies.
func (s *State) CurrentPhaseIndex() int { return int(s.currentPhase.Load()) }

// StartTimer launches the dedicated timer task of §4.2 "Timers": it polls
// CheckTimeTriggers at interval and never shares a mutex with request
// processing, so a slow delivery on one connection cannot starve it. It
// returns once ctx is cancelled.
func (s *State) StartTimer(ctx context.Context, interval time.Duration, onTransition func(Transition)) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t := s.CheckTimeTriggers(); t != nil && onTransition != nil {
				onTransition(*t)
			}
		}
	}
}

// Registry resolves or creates phase State per the configured scope (§4.2
// "State scope"): one shared instance under Global, one per connection
// under PerConnection.
type Registry struct {
	cfg    *config.ServerConfig
	mu     sync.Mutex
	global *State
	perConn map[string]*State
}

// NewRegistry builds a Registry bound to cfg.
func NewRegistry(cfg *config.ServerConfig) *Registry {
	return &Registry{cfg: cfg, perConn: make(map[string]*State)}
}

// CreateConnectionState implements create_connection_state: returns the
// shared Global instance, or a fresh Owned instance per connectionID under
// PerConnection.
func (r *Registry) CreateConnectionState(connectionID string) *State {
	if r.cfg.StateScope == config.StateGlobal {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.global == nil {
			r.global = New(r.cfg)
		}
		return r.global
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.perConn[connectionID]; ok {
		return st
	}
	st := New(r.cfg)
	r.perConn[connectionID] = st
	return st
}

// ReleaseConnection drops a PerConnection state when its connection closes.
// A no-op under Global scope, since that state outlives any one connection.
func (r *Registry) ReleaseConnection(connectionID string) {
	if r.cfg.StateScope == config.StateGlobal {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.perConn, connectionID)
}
