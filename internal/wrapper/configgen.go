package wrapper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// ConfigGenerator materializes the agent profile into the workspace files
// the agent CLI reads on startup. Generation is best-effort: a session with
// partial config is more useful than no session, so failures are logged
// and never abort startup.
type ConfigGenerator struct {
	config  *Config
	profile *AgentProfile
	logger  *logger.Logger
}

// NewConfigGenerator creates a generator for one session workspace.
func NewConfigGenerator(cfg *Config, log *logger.Logger) *ConfigGenerator {
	profile := cfg.Profile
	if profile == nil {
		profile = &AgentProfile{}
	}
	return &ConfigGenerator{config: cfg, profile: profile, logger: log}
}

// Generate writes all profile-derived files into the workspace.
func (g *ConfigGenerator) Generate() {
	if err := g.writeMCPConfig(); err != nil {
		g.logger.Warn("failed to write mcp config", zap.Error(err))
	}
	if err := g.writeSettings(); err != nil {
		g.logger.Warn("failed to write agent settings", zap.Error(err))
	}
	if err := g.writeInstructions(); err != nil {
		g.logger.Warn("failed to write agent instructions", zap.Error(err))
	}
}

// writeMCPConfig writes .mcp.json with the profile's MCP servers plus the
// gateway bridge server, which carries the session id so bridge tool calls
// (spawn_child, ask_user, ...) are attributed to this session.
func (g *ConfigGenerator) writeMCPConfig() error {
	servers := make(map[string]interface{}, len(g.profile.MCPServers)+1)
	for name, spec := range g.profile.MCPServers {
		servers[name] = spec
	}
	servers["agentdock"] = map[string]interface{}{
		"type": "http",
		"url":  g.config.GatewayURL + "/mcp",
		"headers": map[string]string{
			"X-Session-ID": g.config.SessionID,
		},
	}

	doc := map[string]interface{}{"mcpServers": servers}
	return g.writeJSON(filepath.Join(g.config.WorkspacePath, ".mcp.json"), doc)
}

// writeSettings writes .agent/settings.json with model and tool policy.
// Empty fields are omitted so the CLI's own defaults apply.
func (g *ConfigGenerator) writeSettings() error {
	settings := map[string]interface{}{}
	if g.profile.Model != "" {
		settings["model"] = g.profile.Model
	}
	if len(g.profile.AllowedTools) > 0 {
		settings["allowedTools"] = g.profile.AllowedTools
	}
	if len(g.profile.DisallowedTools) > 0 {
		settings["disallowedTools"] = g.profile.DisallowedTools
	}
	if g.profile.SystemPrompt != "" {
		settings["systemPrompt"] = g.profile.SystemPrompt
	}
	if len(settings) == 0 {
		return nil
	}

	dir := filepath.Join(g.config.WorkspacePath, ".agent")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	return g.writeJSON(filepath.Join(dir, "settings.json"), settings)
}

// writeInstructions appends the profile's extra system prompt to AGENTS.md,
// which the agent CLI folds into its system prompt.
func (g *ConfigGenerator) writeInstructions() error {
	body := g.profile.AppendSystemPrompt
	if body == "" {
		return nil
	}

	path := filepath.Join(g.config.WorkspacePath, "AGENTS.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n%s\n", body); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (g *ConfigGenerator) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
