package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/agentdeck/agentdeck/internal/common/apperrors"
)

// reservedEnvKeys are the env vars the Container Manager sets itself; an
// mcp_env entry reusing one of these is rejected.
var reservedEnvKeys = map[string]bool{
	"ANTHROPIC_API_KEY": true,
	"AGENT_CONFIG_JSON": true,
	"AGENT_ID":          true,
	"SESSION_ID":        true,
	"CONVERSATION_ID":   true,
	"CONFIG_PATH":       true,
}

// passthroughEnvKeys are forwarded from the daemon's own environment into
// the worker container when present.
var passthroughEnvKeys = []string{
	"ANTHROPIC_AUTH_TOKEN",
	"ANTHROPIC_BASE_URL",
	"ANTHROPIC_DEFAULT_HAIKU_MODEL",
	"ANTHROPIC_DEFAULT_OPUS_MODEL",
	"ANTHROPIC_DEFAULT_SONNET_MODEL",
	"ANTHROPIC_MODEL",
}

// defaultPermissionMode is the permission mode applied to a launched agent's
// config when the caller does not supply one.
const defaultPermissionMode = "bypassPermissions"

// normalizeConfig copies raw, treats a missing allowed_tools as an empty list,
// and when mcp_servers are present appends the MCP discovery tools and a
// per-server wildcard tool to allowed_tools. A missing allowed_tools that
// gains no entries is left unset rather than written back as [].
func normalizeConfig(raw map[string]interface{}) (map[string]interface{}, error) {
	normalized := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		normalized[k] = v
	}

	var allowedTools []interface{}
	switch v := normalized["allowed_tools"].(type) {
	case nil:
		allowedTools = []interface{}{}
	case []interface{}:
		allowedTools = v
	default:
		return nil, apperrors.InvalidConfig("allowed_tools must be a list when provided")
	}

	mcpServers, _ := normalized["mcp_servers"].(map[string]interface{})
	if len(mcpServers) > 0 {
		baseTools := []string{"ListMcpResources", "ReadMcpResource"}
		for _, tool := range baseTools {
			if !containsString(allowedTools, tool) {
				allowedTools = append(allowedTools, tool)
			}
		}

		serverNames := make([]string, 0, len(mcpServers))
		for name := range mcpServers {
			serverNames = append(serverNames, name)
		}
		sort.Strings(serverNames)

		for _, name := range serverNames {
			wildcard := fmt.Sprintf("mcp__%s__*", name)
			if !containsString(allowedTools, wildcard) {
				allowedTools = append(allowedTools, wildcard)
			}
		}
	}

	if len(allowedTools) > 0 {
		normalized["allowed_tools"] = allowedTools
	}

	return normalized, nil
}

func containsString(list []interface{}, s string) bool {
	for _, v := range list {
		if str, ok := v.(string); ok && str == s {
			return true
		}
	}
	return false
}

// writeConfig persists the normalized config document at
// <stateDir>/<agentID>/agent-config.json and returns the path.
func writeConfig(stateDir, agentID string, cfg map[string]interface{}) (string, error) {
	agentDir := stateDir + "/" + agentID
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create agent state dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal agent config: %w", err)
	}

	configPath := agentDir + "/agent-config.json"
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write agent config: %w", err)
	}
	return configPath, nil
}

// buildEnv assembles the worker container's environment: the reserved
// identity vars, the ambient passthrough allowlist, then mcp_env entries,
// rejecting any mcp_env key that collides with a reserved key.
func buildEnv(agentID, sessionID, apiKey string, mcpEnv map[string]map[string]string) ([]string, error) {
	env := map[string]string{
		"AGENT_ID":          agentID,
		"ANTHROPIC_API_KEY": apiKey,
		"CONFIG_PATH":       "/config/agent-config.json",
	}
	if sessionID != "" {
		env["SESSION_ID"] = sessionID
	}

	for _, key := range passthroughEnvKeys {
		if value := os.Getenv(key); value != "" {
			if _, already := env[key]; !already {
				env[key] = value
			}
		}
	}

	for serverName, serverEnv := range mcpEnv {
		for key, value := range serverEnv {
			if reservedEnvKeys[key] {
				return nil, apperrors.ReservedEnvKey(key)
			}
			_ = serverName
			env[key] = value
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result, nil
}
