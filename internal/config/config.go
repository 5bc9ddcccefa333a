// Package config loads, validates, and hot-reloads the Plexus YAML
// configuration document. Grounded on the teacher's internal/config/config.go
// (env-var expansion via regexp replace, defaults filled before unmarshal)
// and re-specialized for §3.1/§6.5's provider/alias/key/quota model instead
// of gandalf's provider/route/key model.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	plexus "github.com/plexusgw/plexus/internal"
)

// Document is the raw YAML shape of §6.5's top-level keys.
type Document struct {
	Providers                map[string]ProviderEntry `yaml:"providers"`
	Models                   map[string]ModelEntry     `yaml:"models"`
	Keys                     map[string]KeyEntry       `yaml:"keys"`
	AdminKey                 string                    `yaml:"adminKey"`
	UserQuotas               map[string]QuotaEntry     `yaml:"userQuotas"`
	MCPServers               map[string]any            `yaml:"mcpServers"`
	PerformanceExplorationRate *float64                `yaml:"performanceExplorationRate"`
	LatencyExplorationRate     *float64                `yaml:"latencyExplorationRate"`
	DefaultRPM                 int64                   `yaml:"defaultRPM"`
	DefaultTPM                 int64                   `yaml:"defaultTPM"`
}

// ProviderEntry is the YAML shape of a ProviderConfig (§3.1).
type ProviderEntry struct {
	APIBaseURL     yaml.Node               `yaml:"apiBaseUrl"` // string or map[string]string
	APIKey         string                  `yaml:"apiKey"`
	OAuthProvider  string                  `yaml:"oauthProvider"`
	OAuthAccount   string                  `yaml:"oauthAccount"`
	Enabled        *bool                   `yaml:"enabled"`
	Models         yaml.Node               `yaml:"models"` // []string or map[string]ModelDetailEntry
	Headers        map[string]string       `yaml:"headers"`
	ExtraBody      map[string]any          `yaml:"extraBody"`
	Discount       float64                 `yaml:"discount"`
	EstimateTokens bool                    `yaml:"estimateTokens"`
	QuotaChecker   *QuotaCheckerEntry      `yaml:"quotaChecker"`
}

// ModelDetailEntry is a model's detailed YAML entry under a provider's
// `models` map form.
type ModelDetailEntry struct {
	Pricing   PricingEntry `yaml:"pricing"`
	AccessVia []string     `yaml:"accessVia"`
	Type      string       `yaml:"type"`
}

// PricingEntry is the YAML shape of plexus.Pricing.
type PricingEntry struct {
	Source     string             `yaml:"source"`
	Input      float64            `yaml:"input"`
	Output     float64            `yaml:"output"`
	Cached     float64            `yaml:"cached"`
	CacheWrite float64            `yaml:"cache_write"`
	Ranges     []PricingRangeEntry `yaml:"ranges"`
	Slug       string             `yaml:"slug"`
	Discount   *float64           `yaml:"discount"`
	PerRequest float64            `yaml:"per_request"`
}

// PricingRangeEntry is the YAML shape of a plexus.PricingRange.
type PricingRangeEntry struct {
	LowerBound int64   `yaml:"lower_bound"`
	UpperBound *int64  `yaml:"upper_bound"` // nil = +Inf
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	Cached     float64 `yaml:"cached"`
	CacheWrite float64 `yaml:"cache_write"`
}

// QuotaCheckerEntry is the YAML shape of plexus.QuotaCheckerConfig.
type QuotaCheckerEntry struct {
	Type            string         `yaml:"type"`
	IntervalMinutes int            `yaml:"intervalMinutes"`
	Options         map[string]any `yaml:"options"`
}

// TargetEntry is one entry of a ModelAlias's target list.
type TargetEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Enabled  *bool  `yaml:"enabled"`
}

// ModelEntry is the YAML shape of a ModelAlias (§3.1).
type ModelEntry struct {
	Targets           []TargetEntry `yaml:"targets"`
	Selector          string        `yaml:"selector"`
	Priority          string        `yaml:"priority"`
	Type              string        `yaml:"type"`
	AdditionalAliases []string      `yaml:"additionalAliases"`
	Behaviors         []string      `yaml:"behaviors"`
}

// KeyEntry is the YAML shape of a KeyConfig.
type KeyEntry struct {
	Secret  string `yaml:"secret"`
	Quota   string `yaml:"quota"`
	Comment string `yaml:"comment"`
}

// QuotaEntry is the YAML shape of a QuotaDefinition.
type QuotaEntry struct {
	Type      string  `yaml:"type"`
	LimitType string  `yaml:"limitType"`
	Limit     float64 `yaml:"limit"`
	Duration  string  `yaml:"duration"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values,
// leaving the pattern untouched when the variable is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, env-expands, parses, and validates a YAML config file,
// returning the resolved domain model.
func Load(path string) (*plexus.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(expandEnv(data))
}

// Parse parses already env-expanded YAML bytes into a validated
// plexus.Config. Exposed separately from Load so the management endpoint
// (which receives a raw YAML body, not a file) can reuse validation.
func Parse(data []byte) (*plexus.Config, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", plexus.ErrConfigInvalid, err)
	}
	cfg, errs := resolve(&doc)
	if len(errs) > 0 {
		return nil, &plexus.ConfigValidationError{Fields: errs}
	}
	return cfg, nil
}

// resolve converts the YAML document into the domain model, collecting
// field-level validation errors per §6.5/§8.1-3 rather than failing fast,
// so the management POST endpoint can report all problems at once.
func resolve(doc *Document) (*plexus.Config, []plexus.FieldError) {
	var errs []plexus.FieldError

	providers := make(map[string]plexus.ProviderConfig, len(doc.Providers))
	for id, pe := range doc.Providers {
		pc, perrs := resolveProvider(id, pe)
		errs = append(errs, perrs...)
		providers[id] = pc
	}

	seenAliases := make(map[string]string) // alias id -> owning canonical id
	models := make(map[string]plexus.ModelAlias, len(doc.Models))
	for id, me := range doc.Models {
		ma, merrs := resolveModel(id, me, providers)
		errs = append(errs, merrs...)
		models[id] = ma

		allIDs := append([]string{id}, ma.AdditionalAliases...)
		for _, a := range allIDs {
			if owner, ok := seenAliases[a]; ok && owner != id {
				errs = append(errs, plexus.FieldError{
					Field: "models." + a, Message: "duplicate alias id (also used by " + owner + ")",
				})
			}
			seenAliases[a] = id
		}
	}

	keys := make(map[string]plexus.KeyConfig, len(doc.Keys))
	for name, ke := range doc.Keys {
		keys[name] = plexus.KeyConfig{Name: name, Secret: ke.Secret, Quota: ke.Quota, Comment: ke.Comment}
		if ke.Quota != "" {
			if _, ok := doc.UserQuotas[ke.Quota]; !ok {
				errs = append(errs, plexus.FieldError{Field: "keys." + name + ".quota", Message: "references unknown quota " + ke.Quota})
			}
		}
	}

	quotas := make(map[string]plexus.QuotaDefinition, len(doc.UserQuotas))
	for name, qe := range doc.UserQuotas {
		qd, qerrs := resolveQuota(name, qe)
		errs = append(errs, qerrs...)
		quotas[name] = qd
	}

	cfg := &plexus.Config{
		Providers:                  providers,
		Models:                     models,
		Keys:                       keys,
		AdminKey:                   doc.AdminKey,
		UserQuotas:                 quotas,
		PerformanceExplorationRate: valueOr(doc.PerformanceExplorationRate, 0.05),
		LatencyExplorationRate:     valueOr(doc.LatencyExplorationRate, valueOr(doc.PerformanceExplorationRate, 0.05)),
		DefaultRPM:                 doc.DefaultRPM,
		DefaultTPM:                 doc.DefaultTPM,
	}
	return cfg, errs
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func resolveProvider(id string, pe ProviderEntry) (plexus.ProviderConfig, []plexus.FieldError) {
	var errs []plexus.FieldError

	pc := plexus.ProviderConfig{
		ID:             id,
		APIKey:         pe.APIKey,
		OAuthProvider:  plexus.OAuthProviderKind(pe.OAuthProvider),
		OAuthAccount:   pe.OAuthAccount,
		Enabled:        pe.Enabled == nil || *pe.Enabled,
		Headers:        pe.Headers,
		ExtraBody:      pe.ExtraBody,
		Discount:       pe.Discount,
		EstimateTokens: pe.EstimateTokens,
	}
	if pe.QuotaChecker != nil {
		pc.QuotaChecker = &plexus.QuotaCheckerConfig{
			Type: pe.QuotaChecker.Type, IntervalMinutes: pe.QuotaChecker.IntervalMinutes, Options: pe.QuotaChecker.Options,
		}
	}

	if url, m, ok := decodeBaseURL(pe.APIBaseURL); ok {
		if m != nil {
			pc.BaseURLByDialect = m
		} else {
			pc.APIBaseURL = url
		}
	} else {
		errs = append(errs, plexus.FieldError{Field: "providers." + id + ".apiBaseUrl", Message: "must be a string or a dialect->url map"})
	}

	models, merrs := decodeModels(id, pe.Models)
	errs = append(errs, merrs...)
	pc.Models = models

	if !pc.HasValidAuth() {
		errs = append(errs, plexus.FieldError{Field: "providers." + id, Message: "exactly one of apiKey or (oauthProvider+oauthAccount) must be set"})
	}
	if pc.RequiresOAuth() && (pc.OAuthProvider == "" || pc.OAuthAccount == "") {
		errs = append(errs, plexus.FieldError{Field: "providers." + id, Message: "oauth:// base URL requires oauthProvider and oauthAccount"})
	}

	return pc, errs
}

// decodeBaseURL decodes a yaml.Node that is either a scalar string or a
// mapping of dialect tag -> URL.
func decodeBaseURL(node yaml.Node) (single string, asMap map[plexus.Dialect]string, ok bool) {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value, nil, true
	case yaml.MappingNode:
		m := make(map[plexus.Dialect]string)
		for i := 0; i+1 < len(node.Content); i += 2 {
			m[plexus.Dialect(node.Content[i].Value)] = node.Content[i+1].Value
		}
		return "", m, true
	case 0:
		return "", nil, true // absent node, treated as empty string
	default:
		return "", nil, false
	}
}

func decodeModels(providerID string, node yaml.Node) ([]plexus.ModelEntry, []plexus.FieldError) {
	var errs []plexus.FieldError
	var out []plexus.ModelEntry

	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.SequenceNode:
		for _, c := range node.Content {
			out = append(out, plexus.ModelEntry{Name: c.Value})
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			var detail ModelDetailEntry
			if err := node.Content[i+1].Decode(&detail); err != nil {
				errs = append(errs, plexus.FieldError{Field: "providers." + providerID + ".models." + name, Message: err.Error()})
				continue
			}
			entry := plexus.ModelEntry{Name: name, Type: plexus.Dialect(detail.Type)}
			for _, a := range detail.AccessVia {
				entry.AccessVia = append(entry.AccessVia, plexus.Dialect(a))
			}
			entry.Pricing = resolvePricing(detail.Pricing)
			out = append(out, entry)
		}
	default:
		errs = append(errs, plexus.FieldError{Field: "providers." + providerID + ".models", Message: "must be a list or a map"})
	}
	return out, errs
}

func resolvePricing(pe PricingEntry) plexus.Pricing {
	p := plexus.Pricing{
		Source:     plexus.PricingSource(pe.Source),
		Input:      pe.Input,
		Output:     pe.Output,
		Cached:     pe.Cached,
		CacheWrite: pe.CacheWrite,
		Slug:       pe.Slug,
		Discount:   pe.Discount,
		PerRequest: pe.PerRequest,
	}
	for _, r := range pe.Ranges {
		upper := int64(-1)
		if r.UpperBound != nil {
			upper = *r.UpperBound
		}
		p.Ranges = append(p.Ranges, plexus.PricingRange{
			LowerBound: r.LowerBound, UpperBound: upper,
			Input: r.Input, Output: r.Output, Cached: r.Cached, CacheWrite: r.CacheWrite,
		})
	}
	return p
}

func resolveModel(id string, me ModelEntry, providers map[string]plexus.ProviderConfig) (plexus.ModelAlias, []plexus.FieldError) {
	var errs []plexus.FieldError

	ma := plexus.ModelAlias{
		ID:                id,
		Selector:          plexus.SelectorKind(orDefault(me.Selector, "random")),
		PriorityMode:      plexus.Priority(orDefault(me.Priority, "selector")),
		Type:              plexus.Dialect(me.Type),
		AdditionalAliases: me.AdditionalAliases,
	}
	for _, b := range me.Behaviors {
		ma.Behaviors = append(ma.Behaviors, plexus.BehaviorKind(b))
	}

	if len(me.Targets) == 0 {
		errs = append(errs, plexus.FieldError{Field: "models." + id + ".targets", Message: "must have at least one target"})
	}
	for i, te := range me.Targets {
		t := plexus.Target{Provider: te.Provider, Model: te.Model, Enabled: te.Enabled == nil || *te.Enabled}
		prov, ok := providers[te.Provider]
		if !ok {
			errs = append(errs, plexus.FieldError{Field: fmt.Sprintf("models.%s.targets[%d].provider", id, i), Message: "unknown provider " + te.Provider})
		} else if _, ok := prov.ModelByName(te.Model); !ok {
			errs = append(errs, plexus.FieldError{Field: fmt.Sprintf("models.%s.targets[%d].model", id, i), Message: "model " + te.Model + " not declared under provider " + te.Provider})
		}
		ma.Targets = append(ma.Targets, t)
	}
	return ma, errs
}

func resolveQuota(name string, qe QuotaEntry) (plexus.QuotaDefinition, []plexus.FieldError) {
	var errs []plexus.FieldError
	qd := plexus.QuotaDefinition{
		Name:      name,
		Type:      plexus.QuotaType(qe.Type),
		LimitType: plexus.LimitType(qe.LimitType),
		Limit:     qe.Limit,
	}
	if qd.Limit < 1 {
		errs = append(errs, plexus.FieldError{Field: "userQuotas." + name + ".limit", Message: "must be >= 1"})
	}
	if qd.Type == plexus.QuotaRolling {
		d, err := parseDuration(qe.Duration)
		if err != nil {
			errs = append(errs, plexus.FieldError{Field: "userQuotas." + name + ".duration", Message: "invalid duration: " + err.Error()})
		}
		qd.Duration = d
	}
	return qd, errs
}

// parseDuration extends time.ParseDuration with a trailing "d" (days) unit,
// since §3.1 quota durations are commonly expressed as "1d" / "7d".
func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := time.ParseDuration(days + "h")
		if err != nil {
			return 0, err
		}
		return n * 24, nil
	}
	return time.ParseDuration(s)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
