package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/JaimeStill/go-agents/pkg/agent"
	agtconfig "github.com/JaimeStill/go-agents/pkg/config"
)

// Model is the subset of an LLM agent used by the adapters.
type Model interface {
	Chat(ctx context.Context, prompt string) (string, error)
	Vision(ctx context.Context, prompt string, images []string) (string, error)
}

// LoadAgentConfig reads a go-agents JSON config and merges it over the library defaults.
// An empty path yields the defaults.
func LoadAgentConfig(path string) (agtconfig.AgentConfig, error) {
	cfg := agtconfig.DefaultAgentConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read agent config: %w", err)
	}
	var userCfg agtconfig.AgentConfig
	if err := json.Unmarshal(raw, &userCfg); err != nil {
		return cfg, fmt.Errorf("parse agent config: %w", err)
	}
	cfg.Merge(&userCfg)
	return cfg, nil
}

// NewAgentModel builds a go-agents agent from cfg.
func NewAgentModel(cfg agtconfig.AgentConfig) (Model, error) {
	a, err := agent.New(&cfg)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return agentModel{a: a}, nil
}

type agentModel struct{ a agent.Agent }

func (m agentModel) Chat(ctx context.Context, prompt string) (string, error) {
	resp, err := m.a.Chat(ctx, prompt)
	if err != nil {
		return "", err
	}
	return resp.Content(), nil
}

func (m agentModel) Vision(ctx context.Context, prompt string, images []string) (string, error) {
	resp, err := m.a.Vision(ctx, prompt, images)
	if err != nil {
		return "", err
	}
	return resp.Content(), nil
}
