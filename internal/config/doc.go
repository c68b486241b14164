// Package config handles configuration loading for rubber-duck.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Defaults are applied after parsing and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DUCK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/rubber-duck/config.yaml
//  3. ~/.config/rubber-duck/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${DUCK_MATRIX_TOKEN}"
//
// # Configuration Sections
//
// Storage:
//
//	database:
//	  path: "/var/lib/rubber-duck/duck.db"        # message, usage and feedback records
//	  state_path: "/var/lib/rubber-duck/state.db" # routing state and feedback queues
//
// Retry policy for backend calls:
//
//	retry:
//	  max_retries: 5
//	  initial_delay: "2s"
//	  backoff_multiplier: 2
//
// Agents and ducks. A duck with one agent runs in single-agent mode; more
// than one enables hand-offs between them, persisted per thread:
//
//	agents:
//	  - name: "Router"
//	    model: "gpt-4.1"
//	    instructions: "Decide which specialist should help."
//	    handoffs: ["MathAgent"]
//	  - name: "MathAgent"
//	    model: "gpt-4.1"
//	    handoffs: ["Router"]
//
//	ducks:
//	  - name: "cs110"
//	    channel_id: "!abc:example.org"
//	    timeout: "10m"
//	    agents: ["Router", "MathAgent"]
//	    starting_agent: "Router"
//	    max_handoffs_per_turn: 5
//
// Feedback review:
//
//	feedback:
//	  - channel_id: "!abc:example.org"
//	    review_channel_id: "!review:example.org"
//	    timeout: "168h"
//
// # Validation
//
// Load() validates required storage and Matrix fields, agent name
// uniqueness, hand-off targets, duck agent membership, and that every
// feedback entry refers to a duck channel.
package config
