// Package wrapper implements the in-container runtime that supervises an
// agent CLI subprocess: it consumes prompts from the session input queue,
// streams normalized agent output back over the bus, reports heartbeats,
// and reacts to interrupts from the gateway or a parent session.
package wrapper

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Defaults for environment-derived settings.
const (
	defaultWorkspacePath = "/workspace"
	defaultRedisURL      = "redis://redis:6379/0"
	defaultGatewayURL    = "http://gateway:8080"
	defaultAgentBin      = "agent"

	// heartbeatInterval is how often the state hash heartbeat is refreshed.
	heartbeatInterval = 10 * time.Second
	// stateTTL is the state hash expiry; a session whose hash lapses is
	// considered dead by the gateway monitor.
	stateTTL = 60 * time.Second

	// inputPollTimeout bounds each blocking pop so shutdown is responsive.
	inputPollTimeout = 1 * time.Second

	// stopGrace is how long the agent subprocess gets after SIGTERM
	// before it is killed.
	stopGrace = 5 * time.Second

	// resultTTL is how long the terminal result stays readable after a turn.
	resultTTL = time.Hour

	// outputBufferLimit caps the replay buffer of recent output envelopes.
	outputBufferLimit = 1000
)

// AgentProfile carries the agent CLI configuration handed down by the
// gateway in the AGENT_PROFILE environment variable.
type AgentProfile struct {
	MCPServers         map[string]map[string]interface{} `json:"mcp_servers,omitempty"`
	Model              string                            `json:"model,omitempty"`
	AllowedTools       []string                          `json:"allowed_tools,omitempty"`
	DisallowedTools    []string                          `json:"disallowed_tools,omitempty"`
	SystemPrompt       string                            `json:"system_prompt,omitempty"`
	AppendSystemPrompt string                            `json:"append_system_prompt,omitempty"`
}

// Config is the wrapper process configuration, read from the environment
// the gateway injects at container create time.
type Config struct {
	SessionID       string
	ParentSessionID string
	RedisURL        string
	GatewayURL      string
	WorkspacePath   string
	AgentBin        string
	Profile         *AgentProfile
}

// FromEnv builds the config from environment variables. SESSION_ID is
// required; everything else has a default. A malformed AGENT_PROFILE is
// ignored with the parse error returned alongside the config so the caller
// can log it — profile problems must not keep the worker from starting.
func FromEnv() (*Config, error) {
	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		return nil, fmt.Errorf("SESSION_ID environment variable is required")
	}

	cfg := &Config{
		SessionID:       sessionID,
		ParentSessionID: os.Getenv("PARENT_SESSION_ID"),
		RedisURL:        envOr("REDIS_URL", defaultRedisURL),
		GatewayURL:      envOr("GATEWAY_URL", defaultGatewayURL),
		WorkspacePath:   envOr("WORKSPACE_PATH", defaultWorkspacePath),
		AgentBin:        envOr("AGENT_BIN", defaultAgentBin),
	}

	if raw := os.Getenv("AGENT_PROFILE"); raw != "" {
		var profile AgentProfile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			return cfg, fmt.Errorf("invalid AGENT_PROFILE: %w", err)
		}
		cfg.Profile = &profile
	}

	return cfg, nil
}

// IsChild reports whether this worker was spawned by another session.
func (c *Config) IsChild() bool {
	return c.ParentSessionID != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
