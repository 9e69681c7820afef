package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration document.
type File struct {
	Agent  AgentConfig   `yaml:"agent"`
	Memory MemoryConfig  `yaml:"memory"`
	Spawn  SpawnConfig   `yaml:"spawn"`
	Scope  ContextScope  `yaml:"scope"`
	Models []ModelConfig `yaml:"models"`
}

// Load reads and validates a YAML config file. Environment variables in the
// document are expanded before parsing, so api keys can be referenced as
// ${OPENAI_API_KEY}. Fields the document omits take their defaults.
func Load(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates a YAML config document.
func Parse(data []byte) (*File, error) {
	f := &File{
		Agent:  DefaultAgentConfig(),
		Memory: DefaultMemoryConfig(),
		Spawn:  DefaultSpawnConfig(),
		Scope:  DefaultContextScope(),
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks every section, including per-model bounds.
func (f *File) Validate() error {
	if err := f.Agent.Validate(NewSanitizer()); err != nil {
		return err
	}
	if err := f.Memory.Validate(); err != nil {
		return err
	}
	if err := f.Spawn.Validate(); err != nil {
		return err
	}
	if err := f.Scope.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(f.Models))
	for i := range f.Models {
		m := f.Models[i]
		if m.Timeout == 0 {
			m.Timeout = DefaultModelConfig().Timeout
			f.Models[i] = m
		}
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.ID] {
			return fmt.Errorf("model config %s: duplicate id", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// Model returns the model config with the given id.
func (f *File) Model(id string) (ModelConfig, bool) {
	for _, m := range f.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}
