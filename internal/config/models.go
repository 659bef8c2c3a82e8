package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	ExecutorErsilia = "ersilia"
	ExecutorHTTP    = "http"
	ExecutorPlugin  = "plugin"
)

type ExecutorConfig struct {
	Kind string `yaml:"kind"`
	// Binary is the ersilia executable or the plugin binary.
	Binary  string        `yaml:"binary"`
	Args    []string      `yaml:"args"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ModelConfig struct {
	Id          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Executor    ExecutorConfig `yaml:"executor"`
}

// ModelRegistry is the fixed set of models the service precalculates for.
type ModelRegistry struct {
	Models []ModelConfig `yaml:"models"`

	byId map[string]ModelConfig
}

func LoadModelRegistry(path string) (*ModelRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading model registry %s: %w", path, err)
	}
	registry, err := ParseModelRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing model registry %s: %w", path, err)
	}
	return registry, nil
}

func ParseModelRegistry(data []byte) (*ModelRegistry, error) {
	var registry ModelRegistry
	if err := yaml.UnmarshalStrict(data, &registry); err != nil {
		return nil, err
	}

	registry.byId = make(map[string]ModelConfig, len(registry.Models))
	for i, model := range registry.Models {
		if model.Id == "" {
			return nil, fmt.Errorf("model %d has no id", i)
		}
		if _, ok := registry.byId[model.Id]; ok {
			return nil, fmt.Errorf("duplicate model id %s", model.Id)
		}

		if model.Executor.Kind == "" {
			model.Executor.Kind = ExecutorErsilia
		}
		switch model.Executor.Kind {
		case ExecutorErsilia:
			if model.Executor.Binary == "" {
				model.Executor.Binary = "ersilia"
			}
		case ExecutorHTTP:
			if model.Executor.URL == "" {
				return nil, fmt.Errorf("model %s: http executor requires url", model.Id)
			}
		case ExecutorPlugin:
			if model.Executor.Binary == "" {
				return nil, fmt.Errorf("model %s: plugin executor requires binary", model.Id)
			}
		default:
			return nil, fmt.Errorf("model %s: unknown executor kind %q", model.Id, model.Executor.Kind)
		}

		registry.Models[i] = model
		registry.byId[model.Id] = model
	}

	return &registry, nil
}

// NewModelRegistry builds a registry of models run with the default executor.
func NewModelRegistry(ids ...string) *ModelRegistry {
	registry := &ModelRegistry{byId: make(map[string]ModelConfig)}
	for _, id := range ids {
		model := ModelConfig{Id: id, Executor: ExecutorConfig{Kind: ExecutorErsilia, Binary: "ersilia"}}
		registry.Models = append(registry.Models, model)
		registry.byId[id] = model
	}
	return registry
}

func (r *ModelRegistry) Get(modelId string) (ModelConfig, bool) {
	model, ok := r.byId[modelId]
	return model, ok
}

func (r *ModelRegistry) Ids() []string {
	ids := make([]string, 0, len(r.Models))
	for _, model := range r.Models {
		ids = append(ids, model.Id)
	}
	sort.Strings(ids)
	return ids
}
