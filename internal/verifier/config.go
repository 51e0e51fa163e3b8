package verifier

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SourcesConfig is the top-level evidence-source configuration.
type SourcesConfig struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one evidence source.
type SourceConfig struct {
	Name          string   `yaml:"name"`
	Endpoint      string   `yaml:"endpoint"`
	ExerciseTypes []string `yaml:"exercise_types"`
	Weight        float64  `yaml:"weight"`
	TimeoutSecs   int      `yaml:"timeout_secs"`
	RatePerSec    float64  `yaml:"rate_per_sec"`
	Burst         int      `yaml:"burst"`
}

// LoadSources reads the evidence-source definitions from a YAML file.
func LoadSources(path string) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "verifier: read sources %s", path)
	}

	// The YAML has a top-level "verifiers" key.
	var wrapper struct {
		Verifiers SourcesConfig `yaml:"verifiers"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "verifier: parse sources")
	}

	cfg := &wrapper.Verifiers
	for i, src := range cfg.Sources {
		if src.Name == "" {
			return nil, eris.Errorf("verifier: source %d missing name", i)
		}
		if src.Endpoint == "" {
			return nil, eris.Errorf("verifier: source %s missing endpoint", src.Name)
		}
		if src.Weight <= 0 || src.Weight > 1 {
			return nil, eris.Errorf("verifier: source %s weight %v outside (0,1]", src.Name, src.Weight)
		}
		if len(src.ExerciseTypes) == 0 {
			return nil, eris.Errorf("verifier: source %s has no exercise types", src.Name)
		}
	}

	return cfg, nil
}
