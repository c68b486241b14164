// Package agent defines tutoring agents and routes conversation turns to them.
//
// # Registry
//
// A Registry is built once from configuration and passed explicitly to each
// duck. It validates that every hand-off target and every tool an agent
// names actually exists. Hand-off graphs may contain cycles (a router agent
// that sends students to specialists who send them back); edges are plain
// names resolved through the registry.
//
// # Router
//
// Each duck has a Router over a subset of the registry:
//
//	router, err := agent.NewRouter(reg, kv, agent.RouterConfig{
//	    Agents:        []string{"Router", "MathAgent"},
//	    StartingAgent: "Router",
//	}, logger)
//
// With one agent the router is stateless. With several, Begin reads the
// thread's RoutingState from the key-value store (key "routing:<thread_id>")
// or seeds it with the starting agent. Route.HandOff writes the new state
// before switching, and Route.Release deletes it when the conversation
// closes. A conversation interrupted by a restart therefore resumes at the
// agent that was active, not at the starting agent.
package agent
