package plugin

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Config is the `plugins` block of the daemon configuration.
type Config struct {
	Path     string                       `yaml:"path"`
	Suffix   string                       `yaml:"suffix"`
	Allow    []string                     `yaml:"allow"`
	Deny     []string                     `yaml:"deny"`
	Settings map[string]map[string]string `yaml:"settings"`
}

// DefaultSuffix is the shared-library suffix of the running platform.
func DefaultSuffix() string {
	if runtime.GOOS == "darwin" {
		return ".dylib"
	}
	return ".so"
}

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Suffix != "" && !strings.HasPrefix(c.Suffix, ".") {
		return fmt.Errorf("plugin suffix %q must start with a dot", c.Suffix)
	}
	for name := range c.Settings {
		if name == "" {
			return errors.New("plugin settings need a short name")
		}
	}
	for _, denied := range c.Deny {
		if containsFold(c.Allow, denied) {
			return fmt.Errorf("plugin %s is both allowed and denied", denied)
		}
	}
	return nil
}

// Options converts the configuration into registry options.
func (c Config) Options() []Option {
	opts := []Option{WithSettings(c.Settings)}
	if c.Suffix != "" {
		opts = append(opts, WithSuffix(c.Suffix))
	}
	if len(c.Allow) > 0 || len(c.Deny) > 0 {
		opts = append(opts, WithPolicy(ListPolicy{Allow: c.Allow, Deny: c.Deny}))
	}
	return opts
}
