// Package modelcatalog is the startup-loaded registry of models the
// gateway may proxy to: provider, pricing, deadline, and the JSON Schema
// describing each model's tunable parameters.
package modelcatalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v2"

	"github.com/ocx/inference-gateway/internal/core"
)

// Family selects the parameter-schema shape for a model.
const (
	FamilyStandard  = "standard"
	FamilyReasoning = "reasoning"
)

// ModelSpec is one catalog entry.
type ModelSpec struct {
	ID                     string `yaml:"id" json:"id"`
	Provider               string `yaml:"provider" json:"provider"`
	Family                 string `yaml:"family" json:"family"`
	PromptMicrosPer1K      int64  `yaml:"prompt_micros_per_1k" json:"-"`
	CompletionMicrosPer1K  int64  `yaml:"completion_micros_per_1k" json:"-"`
	DeadlineSeconds        int    `yaml:"deadline_seconds" json:"-"`
	MaxOutputTokens        int    `yaml:"max_output_tokens" json:"-"`
}

// Deadline returns the per-model upstream deadline.
func (m *ModelSpec) Deadline() time.Duration {
	if m.DeadlineSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.DeadlineSeconds) * time.Second
}

// Cost prices token usage in micro-units.
func (m *ModelSpec) Cost(promptTokens, completionTokens int64) int64 {
	return promptTokens*m.PromptMicrosPer1K/1000 + completionTokens*m.CompletionMicrosPer1K/1000
}

type catalogFile struct {
	Models []ModelSpec `yaml:"models"`
}

// Catalog holds the loaded model registry. Read-only after Load.
type Catalog struct {
	models  map[string]*ModelSpec
	schemas map[string][]byte
}

// Load reads the YAML catalog and compiles each model's parameter schema so
// a malformed catalog fails boot rather than a request.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("model catalog parse: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("model catalog %s lists no models", path)
	}

	c := &Catalog{
		models:  make(map[string]*ModelSpec, len(file.Models)),
		schemas: make(map[string][]byte, len(file.Models)),
	}
	for i := range file.Models {
		m := file.Models[i]
		if m.ID == "" || m.Provider == "" {
			return nil, fmt.Errorf("model catalog entry %d missing id or provider", i)
		}
		if m.Family != FamilyStandard && m.Family != FamilyReasoning {
			return nil, fmt.Errorf("model %s: unknown family %q", m.ID, m.Family)
		}
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("model catalog: duplicate id %s", m.ID)
		}

		schema := parameterSchema(&m)
		if _, err := jsonschema.CompileString(m.ID+".json", string(schema)); err != nil {
			return nil, fmt.Errorf("model %s: parameter schema does not compile: %w", m.ID, err)
		}

		c.models[m.ID] = &m
		c.schemas[m.ID] = schema
	}

	return c, nil
}

// Get returns the spec for a model id.
func (c *Catalog) Get(id string) (*ModelSpec, error) {
	m, ok := c.models[id]
	if !ok {
		return nil, core.Errf(core.KindNotFound, "unknown model %s", id)
	}
	return m, nil
}

// Schema returns the raw JSON Schema for a model's tunable parameters.
func (c *Catalog) Schema(id string) ([]byte, error) {
	s, ok := c.schemas[id]
	if !ok {
		return nil, core.Errf(core.KindNotFound, "unknown model %s", id)
	}
	return s, nil
}

// List returns all specs ordered by id.
func (c *Catalog) List() []*ModelSpec {
	out := make([]*ModelSpec, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// parameterSchema builds the config-UI schema for a model. Reasoning
// models expose reasoning_effort; standard models expose sampling bounds.
// Temperature stays advertised read-only at 0.0: the gateway forces
// deterministic parameters regardless of what a client sends.
func parameterSchema(m *ModelSpec) []byte {
	var properties map[string]any
	if m.Family == FamilyReasoning {
		properties = map[string]any{
			"reasoning_effort": map[string]any{
				"type": "string",
				"enum": []string{"low", "medium", "high"},
			},
			"max_tokens": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"maximum": m.MaxOutputTokens,
			},
		}
	} else {
		properties = map[string]any{
			"temperature": map[string]any{
				"type":  "number",
				"const": 0.0,
			},
			"top_p": map[string]any{
				"type":    "number",
				"minimum": 0.0,
				"maximum": 1.0,
			},
			"max_tokens": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"maximum": m.MaxOutputTokens,
			},
		}
	}

	schema := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"title":                m.ID,
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	raw, _ := json.Marshal(schema)
	return raw
}
