package dynresp

import (
	"context"
	"fmt"
	"time"

	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

// ResolveRequest carries everything the pipeline needs to produce final
// content for one tool/resource/prompt invocation (§4.5).
type ResolveRequest struct {
	Strategy     config.ResponseStrategy
	ItemKind     string // "tool", "resource", "prompt"
	ItemName     string
	Args         interface{}
	PhaseName    string
	PhaseIndex   int
	ConnectionID string
	RequestID    string
	IsNotification bool
	Method       string
	RegexTimeout time.Duration
	Limits       config.Limits
	Counters     *SequenceCounters
}

// Resolve runs the four-step pipeline of §4.5 and returns the final content
// blocks, with ${...} interpolation already applied. err is a
// *mcptypes.Error-compatible failure (e.g. sequence exhaustion with
// on_exhausted=Error, or a handler failure) the caller should surface as a
// JSON-RPC error.
func Resolve(ctx context.Context, req ResolveRequest) ([]mcptypes.ContentBlock, error) {
	strategy := req.Strategy

	// Step 1: match selection.
	if strategy.Kind == config.StrategyMatch {
		branch, ok := selectBranch(req.Args, strategy.Match, req.RegexTimeout)
		if !ok {
			return nil, fmt.Errorf("dynresp: no match branch and no default for %s %q", req.ItemKind, req.ItemName)
		}
		switch {
		case branch.Handler != nil:
			return resolveHandler(ctx, req, *branch.Handler)
		case branch.Sequence != nil:
			return resolveSequence(req, *branch.Sequence)
		default:
			return resolveStatic(req, branch.Static)
		}
	}

	// Steps 2–4 for the non-match top-level strategies.
	switch strategy.Kind {
	case config.StrategyHandler:
		if strategy.Handler == nil {
			return nil, fmt.Errorf("dynresp: handler strategy missing config for %s %q", req.ItemKind, req.ItemName)
		}
		return resolveHandler(ctx, req, *strategy.Handler)
	case config.StrategySequence:
		if strategy.Sequence == nil {
			return nil, fmt.Errorf("dynresp: sequence strategy missing config for %s %q", req.ItemKind, req.ItemName)
		}
		return resolveSequence(req, *strategy.Sequence)
	default:
		return resolveStatic(req, strategy.Static)
	}
}

// selectBranch picks the first branch whose When predicates all match,
// falling through to the Default branch if present (§4.5 step 1).
func selectBranch(args interface{}, branches []config.MatchBranch, regexTimeout time.Duration) (config.MatchBranch, bool) {
	var def *config.MatchBranch
	for i := range branches {
		b := branches[i]
		if b.Default {
			def = &b
			continue
		}
		if MatchAll(wrapArgs(args), b.When, regexTimeout) {
			return b, true
		}
	}
	if def != nil {
		return *def, true
	}
	return config.MatchBranch{}, false
}

// wrapArgs nests Args under "args" so FieldMatcher.Path values like
// "args.path" resolve the same way the template grammar's ${args.path}
// does.
func wrapArgs(args interface{}) interface{} {
	return map[string]interface{}{"args": args}
}

func resolveSequence(req ResolveRequest, seq config.SequenceStrategy) ([]mcptypes.ContentBlock, error) {
	key := SequenceKey(req.ItemKind, req.ItemName, req.ConnectionID)
	count := req.Counters.Next(key)
	items, err := SelectSequence(&seq, count)
	if err != nil {
		return nil, err
	}
	return materialize(req, items, count)
}

func resolveStatic(req ResolveRequest, items []config.ContentItem) ([]mcptypes.ContentBlock, error) {
	return materialize(req, items, 0)
}

func resolveHandler(ctx context.Context, req ResolveRequest, h config.HandlerConfig) ([]mcptypes.ContentBlock, error) {
	if !h.Enabled {
		return nil, fmt.Errorf("dynresp: handler for %s %q is not enabled", req.ItemKind, req.ItemName)
	}
	hreq := HandlerRequest{
		Kind:      req.ItemKind,
		Name:      req.ItemName,
		Arguments: req.Args,
		Context: HandlerRequestContext{
			Phase:        req.PhaseName,
			PhaseIndex:   req.PhaseIndex,
			ConnectionID: req.ConnectionID,
			RequestID:    req.RequestID,
		},
	}

	var (
		hresp *HandlerResponse
		err   error
	)
	switch h.Kind {
	case config.HandlerHTTP:
		hresp, err = CallHTTPHandler(ctx, h.URL, hreq, h.Timeout)
	case config.HandlerSubprocess:
		hresp, err = CallSubprocessHandler(ctx, h.Command, h.Args, hreq, h.Timeout)
	default:
		return nil, fmt.Errorf("dynresp: unknown handler kind %q", h.Kind)
	}
	if err != nil {
		return nil, err
	}
	if hresp.IsError {
		return nil, fmt.Errorf("dynresp: handler reported error: %s", hresp.Error)
	}

	// Handler output is not recursively re-interpolated (§4.5 step 4's
	// explicit "no recursive re-interpolation of handler output").
	blocks := make([]mcptypes.ContentBlock, 0, len(hresp.Content))
	for _, raw := range hresp.Content {
		var b mcptypes.ContentBlock
		if err := jsonUnmarshal(raw, &b); err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func materialize(req ResolveRequest, items []config.ContentItem, callCount int64) ([]mcptypes.ContentBlock, error) {
	tctx := TemplateContext{
		Args:           req.Args,
		ItemKind:       req.ItemKind,
		ItemName:       req.ItemName,
		CallCount:      callCount,
		PhaseName:      req.PhaseName,
		PhaseIndex:     req.PhaseIndex,
		RequestID:      req.RequestID,
		IsNotification: req.IsNotification,
		Method:         req.Method,
		ConnectionID:   req.ConnectionID,
	}

	blocks := make([]mcptypes.ContentBlock, 0, len(items))
	for _, item := range items {
		block, err := materializeOne(item, tctx, req.Limits)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func materializeOne(item config.ContentItem, tctx TemplateContext, lim config.Limits) (mcptypes.ContentBlock, error) {
	switch item.Kind {
	case config.ContentText:
		text, err := resolveContentValue(item.Value, lim)
		if err != nil {
			return mcptypes.ContentBlock{}, err
		}
		return mcptypes.ContentBlock{Type: "text", Text: Interpolate(text, tctx)}, nil

	case config.ContentImage:
		data, err := resolveContentValue(item.Data, lim)
		if err != nil {
			return mcptypes.ContentBlock{}, err
		}
		return mcptypes.ContentBlock{Type: "image", Data: Interpolate(data, tctx), MimeType: item.MimeType}, nil

	case config.ContentResource:
		data, err := resolveContentValue(item.Data, lim)
		if err != nil {
			return mcptypes.ContentBlock{}, err
		}
		return mcptypes.ContentBlock{
			Type:     "resource",
			URI:      Interpolate(item.URI, tctx),
			Text:     Interpolate(data, tctx),
			MimeType: item.MimeType,
		}, nil

	default:
		return mcptypes.ContentBlock{}, fmt.Errorf("dynresp: unknown content item kind %q", item.Kind)
	}
}

func resolveContentValue(v config.ContentValue, lim config.Limits) (string, error) {
	if v.Kind != config.ValueGenerator {
		return v.Static, nil
	}
	// Generators are invoked lazily, at response-construction time, never
	// at config load (§4.6's critical contract) — this is that invocation.
	gen, err := newGeneratorFor(v.Generator, lim)
	if err != nil {
		return "", err
	}
	payload, err := gen.Generate()
	if err != nil {
		return "", err
	}
	b, err := payload.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
