// Package schema holds the JSON Schemas that gate record writes and
// runtime parameters.
package schema

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/records/*.json schemas/params/*.json
var files embed.FS

// ErrUnknownPlatform is returned when no parameter schema exists for a platform.
var ErrUnknownPlatform = errors.New("no parameter schema for platform")

// Registry holds compiled record and parameter schemas.
type Registry struct {
	records map[models.Kind]*gojsonschema.Schema
	params  map[models.TargetPlatform]*gojsonschema.Schema
	rules   map[models.Kind][]lintRule
}

// Load compiles every embedded schema.
func Load() (*Registry, error) {
	r := &Registry{
		records: make(map[models.Kind]*gojsonschema.Schema),
		params:  make(map[models.TargetPlatform]*gojsonschema.Schema),
		rules:   lintRules(),
	}

	for _, kind := range models.Kinds() {
		compiled, err := compile("schemas/records/" + string(kind) + ".json")
		if err != nil {
			return nil, err
		}

		r.records[kind] = compiled
	}

	for _, platform := range models.Platforms() {
		compiled, err := compile("schemas/params/" + string(platform) + ".json")
		if err != nil {
			return nil, err
		}

		r.params[platform] = compiled
	}

	return r, nil
}

// MustLoad is Load for package initialisation and tests.
func MustLoad() *Registry {
	r, err := Load()
	if err != nil {
		panic(err)
	}

	return r
}

func compile(name string) (*gojsonschema.Schema, error) {
	body, err := files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", path.Base(name), err)
	}

	return compiled, nil
}

// Validate checks the envelope payload against its kind's schema.
func (r *Registry) Validate(env *models.Envelope) []persistence.Issue {
	compiled, ok := r.records[env.Kind]
	if !ok {
		return []persistence.Issue{{Path: "kind", Message: fmt.Sprintf("unknown record kind %q", env.Kind)}}
	}

	return validate(compiled, gojsonschema.NewBytesLoader(env.Data))
}

// Lint applies the semantic rules that JSON Schema cannot express.
func (r *Registry) Lint(env *models.Envelope) []persistence.Issue {
	rules := r.rules[env.Kind]
	if len(rules) == 0 {
		return nil
	}

	var issues []persistence.Issue

	for _, rule := range rules {
		issues = append(issues, rule(env)...)
	}

	return issues
}

// ValidateParameters checks runtime parameters against the platform's
// schema. Unknown keys are rejected.
func (r *Registry) ValidateParameters(platform models.TargetPlatform, params map[string]any) ([]persistence.Issue, error) {
	compiled, ok := r.params[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	if params == nil {
		params = map[string]any{}
	}

	return validate(compiled, gojsonschema.NewGoLoader(params)), nil
}

func validate(compiled *gojsonschema.Schema, document gojsonschema.JSONLoader) []persistence.Issue {
	result, err := compiled.Validate(document)
	if err != nil {
		return []persistence.Issue{{Path: "(root)", Message: err.Error()}}
	}

	if result.Valid() {
		return nil
	}

	issues := make([]persistence.Issue, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, persistence.Issue{Path: desc.Field(), Message: desc.Description()})
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })

	return issues
}

// IssueKeys returns the offending top-level keys of additionalProperties
// failures, for error messages.
func IssueKeys(issues []persistence.Issue) []string {
	keys := make([]string, 0, len(issues))

	for _, issue := range issues {
		const marker = "Additional property "
		if strings.HasPrefix(issue.Message, marker) {
			rest := strings.TrimPrefix(issue.Message, marker)
			keys = append(keys, strings.SplitN(rest, " ", 2)[0])
		}
	}

	return keys
}
