// Package config loads the optional YAML file a host process may point
// the facade at before starting a broker and VM: listen timeouts,
// language-model sampling defaults, and which default-module entries to
// register. Grounded on nexctl's config loader, it follows the same
// "missing file means defaults, not an error" shape.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds VM/operator defaults a host process can override.
type Config struct {
	// ListenTimeout is a listen timeout loaded from the file. The facade
	// does not apply it: the VM dispatch loop listens with
	// brokerclient.DefaultListenTimeout.
	ListenTimeout time.Duration

	// Temperature and TopP are language-model sampling defaults loaded
	// from the file. The facade does not pass them to any component; the
	// default module has no tvm_language_model factory.
	Temperature float64
	TopP        float64

	// PrefillChunkSize is a prefill chunk size loaded from the file. The
	// facade does not pass it to lm.Options.
	PrefillChunkSize int

	// ModuleAllowList, if non-empty, restricts the default module to
	// the named functions and component factories; everything else the
	// default module would otherwise register is omitted. A nil or
	// empty list means "register everything".
	ModuleAllowList []string
}

// rawConfig mirrors Config field-for-field with ListenTimeout as a
// string, since yaml.v3 does not unmarshal "500ms" into a time.Duration
// on its own.
type rawConfig struct {
	ListenTimeout    string   `yaml:"listen_timeout"`
	Temperature      float64  `yaml:"temperature"`
	TopP             float64  `yaml:"top_p"`
	PrefillChunkSize int      `yaml:"prefill_chunk_size"`
	ModuleAllowList  []string `yaml:"module_allow_list"`
}

// UnmarshalYAML parses ListenTimeout with time.ParseDuration, delegating
// every other field straight through.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.ListenTimeout != "" {
		d, err := time.ParseDuration(raw.ListenTimeout)
		if err != nil {
			return err
		}
		c.ListenTimeout = d
	}
	if raw.Temperature != 0 {
		c.Temperature = raw.Temperature
	}
	if raw.TopP != 0 {
		c.TopP = raw.TopP
	}
	if raw.PrefillChunkSize != 0 {
		c.PrefillChunkSize = raw.PrefillChunkSize
	}
	if raw.ModuleAllowList != nil {
		c.ModuleAllowList = raw.ModuleAllowList
	}
	return nil
}

// defaults returns the Config a host process gets with no file present.
func defaults() *Config {
	return &Config{
		ListenTimeout: 200 * time.Millisecond,
		Temperature:   1.0,
		TopP:          1.0,
	}
}

// Load reads path as YAML into a Config seeded with defaults. A missing
// file is not an error: Load returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Allows reports whether name passes the ModuleAllowList filter. An
// empty list allows everything.
func (c *Config) Allows(name string) bool {
	if len(c.ModuleAllowList) == 0 {
		return true
	}
	for _, n := range c.ModuleAllowList {
		if n == name {
			return true
		}
	}
	return false
}
