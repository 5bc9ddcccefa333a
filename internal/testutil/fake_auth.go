package testutil

import (
	plexus "github.com/plexusgw/plexus/internal"
)

// Config returns a minimal *plexus.Config with one key, one chat-dialect
// alias routed to a single provider/model pair, and an admin key — enough
// scaffolding for most dispatcher/server/auth tests to start from and
// mutate field-by-field for the case under test.
func Config(providerBaseURL string) *plexus.Config {
	return &plexus.Config{
		Providers: map[string]plexus.ProviderConfig{
			"primary": {
				ID: "primary", APIBaseURL: providerBaseURL, APIKey: "sk-primary", Enabled: true,
				Models: []plexus.ModelEntry{{Name: "gpt-4o", Type: plexus.DialectChat}},
			},
		},
		Models: map[string]plexus.ModelAlias{
			"gpt-4o": {
				ID:       "gpt-4o",
				Selector: plexus.SelectorInOrder,
				Type:     plexus.DialectChat,
				Targets:  []plexus.Target{{Provider: "primary", Model: "gpt-4o", Enabled: true}},
			},
		},
		Keys: map[string]plexus.KeyConfig{
			"test-key": {Name: "test-key", Secret: "sk-client-test"},
		},
		AdminKey: "sk-admin-test",
	}
}
