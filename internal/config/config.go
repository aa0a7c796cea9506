package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ParityOdd  = "odd"
	ParityEven = "even"
)

// Config models cohortline.yml.
type Config struct {
	Stages struct {
		Min int `yaml:"min"`
		Max int `yaml:"max"`
	} `yaml:"stages"`
	Direction struct {
		// TieBreak is the parity promoted when active students split evenly
		// between odd and even stages.
		TieBreak string `yaml:"tie_break"`
	} `yaml:"direction"`
	Transitions struct {
		DefaultType string `yaml:"default_type"`
	} `yaml:"transitions"`
	Period struct {
		// Layout formats the UTC execution date into a period token when the
		// caller does not supply one.
		Layout string `yaml:"layout"`
	} `yaml:"period"`
	Effects struct {
		Clearance string `yaml:"clearance"`
		Invoices  string `yaml:"invoices"`
	} `yaml:"effects"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Stages.Min < 1 {
		return fmt.Errorf("config.stages.min must be >= 1")
	}
	if c.Stages.Max <= c.Stages.Min {
		return fmt.Errorf("config.stages.max must be greater than config.stages.min")
	}
	switch c.Direction.TieBreak {
	case ParityOdd, ParityEven:
	default:
		return fmt.Errorf("config.direction.tie_break must be 'odd' or 'even'")
	}
	if c.Transitions.DefaultType == "" {
		return fmt.Errorf("config.transitions.default_type is required")
	}
	if c.Period.Layout == "" {
		return fmt.Errorf("config.period.layout is required")
	}
	if time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(c.Period.Layout) == c.Period.Layout {
		return fmt.Errorf("config.period.layout %q has no date components", c.Period.Layout)
	}
	switch c.Effects.Clearance {
	case "none", "clear", "keep":
	default:
		return fmt.Errorf("config.effects.clearance must be one of none, clear, keep")
	}
	switch c.Effects.Invoices {
	case "none", "clear", "archive", "keep":
	default:
		return fmt.Errorf("config.effects.invoices must be one of none, clear, archive, keep")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cohortline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys that are
// absent keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `stages:
  min: 1
  max: 8

direction:
  # parity promoted when active students are split evenly between odd and even semesters
  tie_break: odd

transitions:
  default_type: semester_promotion

period:
  # Go time layout applied to the UTC execution date when no period token is given
  layout: "2006-01-02"

effects:
  # defaults used by the CLI when no --clearance/--invoices flag is given
  clearance: none
  invoices: none
`
