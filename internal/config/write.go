package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// WriteDefault writes a config file holding cfg (defaults when nil) to
// path. It refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, cfg *Config, force bool) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if path == "" {
		path = DefaultPath
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}
		return fmt.Errorf("failed to create config %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "# tasksync configuration. Every key can be overridden with TASKSYNC_<SECTION>_<KEY>."); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(nest(settings(cfg))); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// nest turns dotted keys into the section tables toml expects.
func nest(flat map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for key, value := range flat {
		section, name, _ := strings.Cut(key, ".")
		if out[section] == nil {
			out[section] = make(map[string]any)
		}
		out[section][name] = value
	}
	return out
}
