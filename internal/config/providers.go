package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pillarhq/ai-router/internal/domain"
)

// ProvidersYAML is the on-disk shape of the provider/account seed file.
type ProvidersYAML struct {
	Providers []ProviderYAML `yaml:"providers"`
}

// ProviderYAML describes one vendor and its accounts.
type ProviderYAML struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	BaseURL         string        `yaml:"base_url"`
	DefaultModel    string        `yaml:"default_model"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	InputCostPer1K  float64       `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64       `yaml:"output_cost_per_1k"`
	Accounts        []AccountYAML `yaml:"accounts"`
}

// AccountYAML describes one credentialed account.
type AccountYAML struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	APIKeyEnv         string `yaml:"api_key_env"`
	APIKey            string `yaml:"api_key"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	TokensPerMinute   int    `yaml:"tokens_per_minute"`
	RequestsPerHour   int    `yaml:"requests_per_hour"`
	RequestsPerDay    int    `yaml:"requests_per_day"`
	Disabled          bool   `yaml:"disabled"`
}

// LoadProviders reads the provider/account seed file. Credentials may be given
// inline (api_key) or indirected through the environment (api_key_env); the
// indirect form is preferred so the file itself stays secret-free.
func LoadProviders(path string) ([]domain.Provider, []*domain.Account, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, nil, fmt.Errorf("op=config.LoadProviders: %w", err)
	}
	var raw ProvidersYAML
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, nil, fmt.Errorf("op=config.LoadProviders: parse: %w", err)
	}
	if len(raw.Providers) == 0 {
		return nil, nil, fmt.Errorf("op=config.LoadProviders: %w: no providers defined", domain.ErrInvalidArgument)
	}

	var providers []domain.Provider
	var accounts []*domain.Account
	for _, p := range raw.Providers {
		if p.ID == "" {
			return nil, nil, fmt.Errorf("op=config.LoadProviders: %w: provider id required", domain.ErrInvalidArgument)
		}
		providers = append(providers, domain.Provider{
			ID:   p.ID,
			Name: p.Name,
			Config: domain.ProviderConfig{
				BaseURL:         p.BaseURL,
				DefaultModel:    p.DefaultModel,
				Temperature:     p.Temperature,
				MaxTokens:       p.MaxTokens,
				InputCostPer1K:  p.InputCostPer1K,
				OutputCostPer1K: p.OutputCostPer1K,
			},
		})
		for _, a := range p.Accounts {
			cred := a.APIKey
			if a.APIKeyEnv != "" {
				cred = os.Getenv(a.APIKeyEnv)
			}
			if cred == "" {
				return nil, nil, fmt.Errorf("op=config.LoadProviders: %w: account %s/%s has no credential", domain.ErrInvalidArgument, p.ID, a.ID)
			}
			accounts = append(accounts, &domain.Account{
				ID:         a.ID,
				ProviderID: p.ID,
				Name:       a.Name,
				Credential: cred,
				Active:     !a.Disabled,
				Ceiling: domain.RateCeiling{
					RequestsPerMinute: a.RequestsPerMinute,
					TokensPerMinute:   a.TokensPerMinute,
					RequestsPerHour:   a.RequestsPerHour,
					RequestsPerDay:    a.RequestsPerDay,
				},
				Health: domain.Health{Status: domain.HealthHealthy, Healthy: true},
			})
		}
	}
	return providers, accounts, nil
}
