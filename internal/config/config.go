package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads path and every file it lists under include, merges them with
// later files winning, then applies defaults to the keys no file set.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	layers, err := readLayers(abs, nil, make(map[string]bool))
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, l := range layers {
		if err := v.MergeConfigMap(l.settings); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", l.path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		keys.mark(k)
	}
	cfg.applyDefaults(keys)
	cfg.expandSecrets()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type layer struct {
	path     string
	settings map[string]any
}

// readLayers returns path after everything it includes, depth first. A file
// reached twice is read once; a file including its own ancestor is an error.
func readLayers(path string, ancestors []string, done map[string]bool) ([]layer, error) {
	if slices.Contains(ancestors, path) {
		return nil, fmt.Errorf("include cycle detected: %s", strings.Join(append(ancestors, path), " -> "))
	}
	if done[path] {
		return nil, nil
	}
	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var out []layer
	for _, inc := range fv.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		sub, err := readLayers(filepath.Clean(inc), append(ancestors, path), done)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	done[path] = true
	return append(out, layer{path: path, settings: fv.AllSettings()}), nil
}

// expandSecrets resolves ${ENV} references in credential fields so API keys
// can live in .env instead of the YAML files.
func (c *Config) expandSecrets() {
	for id, p := range c.AI.Providers {
		p.APIKey = expandEnv(p.APIKey)
		p.APIURL = expandEnv(p.APIURL)
		c.AI.Providers[id] = p
	}
	c.Notify.Telegram.BotToken = expandEnv(c.Notify.Telegram.BotToken)
	c.Notify.Telegram.ChatID = expandEnv(c.Notify.Telegram.ChatID)
	c.Market.RedisPassword = expandEnv(c.Market.RedisPassword)
}

func expandEnv(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "$") {
		return s
	}
	return os.ExpandEnv(s)
}
