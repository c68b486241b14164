// ABOUTME: Routes each conversation turn to the active agent of a duck
// ABOUTME: Multi-agent ducks persist the active agent per thread so restarts resume mid-conversation

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/llm"
)

// ErrIllegalHandoff indicates a hand-off along an edge the agent graph does not allow.
var ErrIllegalHandoff = errors.New("illegal hand-off")

// RouterConfig selects the agents a duck may use.
type RouterConfig struct {
	Agents        []string
	StartingAgent string
}

// Router hands out a Route per conversation thread. With a single agent it
// keeps no state; with several it persists the active agent in kv.
type Router struct {
	registry *Registry
	kv       KV
	agents   []string
	starting string
	now      func() time.Time
	logger   *slog.Logger
}

// NewRouter validates cfg against registry. kv may be nil only in
// single-agent mode. Pass nil logger for default.
func NewRouter(registry *Registry, kv KV, cfg RouterConfig, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("router needs at least one agent")
	}
	for _, name := range cfg.Agents {
		if _, err := registry.Get(name); err != nil {
			return nil, err
		}
	}

	starting := cfg.StartingAgent
	if starting == "" {
		starting = cfg.Agents[0]
	}
	if !slices.Contains(cfg.Agents, starting) {
		return nil, fmt.Errorf("starting agent %q is not routable", starting)
	}
	if len(cfg.Agents) > 1 && kv == nil {
		return nil, fmt.Errorf("multi-agent routing needs a state store")
	}

	return &Router{
		registry: registry,
		kv:       kv,
		agents:   slices.Clone(cfg.Agents),
		starting: starting,
		now:      time.Now,
		logger:   logger.With("component", "router"),
	}, nil
}

// MultiAgent reports whether hand-offs and persisted routing are enabled.
func (r *Router) MultiAgent() bool {
	return len(r.agents) > 1
}

// Begin starts (or resumes) routing for threadID. In multi-agent mode a stored
// RoutingState wins over the starting agent; a missing or stale one is
// replaced by a fresh state at the starting agent.
func (r *Router) Begin(ctx context.Context, threadID string) (*Route, error) {
	route := &Route{router: r, threadID: threadID}

	if !r.MultiAgent() {
		def, err := r.registry.Get(r.starting)
		if err != nil {
			return nil, err
		}
		route.active = def
		return route, nil
	}

	st, ok, err := loadState(ctx, r.kv, threadID)
	if err != nil {
		return nil, err
	}
	if ok && r.routable(st.ActiveAgent) {
		def, err := r.registry.Get(st.ActiveAgent)
		if err != nil {
			return nil, err
		}
		route.active, route.state, route.resumed = def, st, true
		r.logger.Info("resumed routing", "thread_id", threadID, "agent", st.ActiveAgent)
		return route, nil
	}
	if ok {
		r.logger.Warn("stored agent is no longer routable, restarting",
			"thread_id", threadID, "agent", st.ActiveAgent)
	}

	def, err := r.registry.Get(r.starting)
	if err != nil {
		return nil, err
	}
	st = &RoutingState{ThreadID: threadID, ActiveAgent: def.Name, UpdatedAt: r.now()}
	if err := saveState(ctx, r.kv, st); err != nil {
		return nil, err
	}
	route.active, route.state = def, st
	return route, nil
}

// HasState reports whether a RoutingState is persisted for threadID, meaning
// a conversation in that thread was interrupted before it closed.
func (r *Router) HasState(ctx context.Context, threadID string) (bool, error) {
	if !r.MultiAgent() {
		return false, nil
	}
	return r.kv.Has(ctx, RoutingKey(threadID))
}

func (r *Router) routable(name string) bool {
	return slices.Contains(r.agents, name)
}

// Route is the routing handle of one running conversation. It is owned by a
// single session goroutine.
type Route struct {
	router   *Router
	threadID string
	active   *Definition
	state    *RoutingState
	resumed  bool
}

// Agent returns the active agent.
func (rt *Route) Agent() *Definition {
	return rt.active
}

// Resumed reports whether Begin picked up a persisted state.
func (rt *Route) Resumed() bool {
	return rt.resumed
}

// Targets returns the agents the active agent may hand off to in this duck.
func (rt *Route) Targets() []string {
	if !rt.router.MultiAgent() {
		return nil
	}
	var out []string
	for _, target := range rt.active.Handoffs {
		if rt.router.routable(target) {
			out = append(out, target)
		}
	}
	return out
}

// Request builds the backend request for the active agent.
func (rt *Route) Request(history []llm.Message) *llm.Request {
	return &llm.Request{
		ThreadID:     rt.threadID,
		Agent:        rt.active.Name,
		Instructions: rt.active.Instructions,
		Model:        rt.active.Model,
		Tools:        rt.router.registry.Tools(rt.active),
		Handoffs:     rt.Targets(),
		History:      slices.Clone(history),
	}
}

// HandOff makes target the active agent. The new state is persisted before
// the switch takes effect, so a failed write leaves the route unchanged.
func (rt *Route) HandOff(ctx context.Context, target string) error {
	if !slices.Contains(rt.Targets(), target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalHandoff, rt.active.Name, target)
	}
	def, err := rt.router.registry.Get(target)
	if err != nil {
		return err
	}

	next := &RoutingState{
		ThreadID:    rt.threadID,
		ActiveAgent: target,
		Handoffs:    rt.state.Handoffs + 1,
		UpdatedAt:   rt.router.now(),
	}
	if err := saveState(ctx, rt.router.kv, next); err != nil {
		return err
	}

	rt.router.logger.Info("agent hand-off",
		"thread_id", rt.threadID,
		"from", rt.active.Name,
		"to", target,
		"handoffs", next.Handoffs)

	rt.active, rt.state = def, next
	return nil
}

// Release deletes the persisted state. Called once the conversation has
// closed normally; interrupted conversations keep their state.
func (rt *Route) Release(ctx context.Context) error {
	if !rt.router.MultiAgent() {
		return nil
	}
	if err := rt.router.kv.Delete(ctx, RoutingKey(rt.threadID)); err != nil {
		return fmt.Errorf("deleting routing state for %s: %w", rt.threadID, err)
	}
	return nil
}
