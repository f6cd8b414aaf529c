package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opendg-project/buildci/pkg/buildcache"
	"github.com/opendg-project/buildci/pkg/models"
)

// Config is the orchestrator configuration, normally loaded from a YAML file
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Database  DatabaseConfig `yaml:"database"`
	CacheDir  string         `yaml:"cache_dir"`
	LogLevel  string         `yaml:"log_level"`
	Workflows []Workflow     `yaml:"workflows"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

// DatabaseConfig holds store settings
type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite", "postgres" or "memory"
	Path string `yaml:"path"` // sqlite file path
	DSN  string `yaml:"dsn"`  // postgres connection string
}

// Workflow defines one build-and-verify pipeline
type Workflow struct {
	Name        string      `yaml:"name"`
	Repo        Repo        `yaml:"repo"`
	Triggers    Triggers    `yaml:"triggers"`
	Build       Build       `yaml:"build"`
	Verify      Verify      `yaml:"verify"`
	Concurrency Concurrency `yaml:"concurrency"`
}

// Repo points the builder at a source repository. An empty URL means the
// build context directory is used as-is.
type Repo struct {
	URL           string `yaml:"url"`
	DefaultBranch string `yaml:"default_branch"`
}

// Triggers declares which events start the workflow
type Triggers struct {
	Push        PushTrigger `yaml:"push"`
	PullRequest bool        `yaml:"pull_request"`
}

// PushTrigger limits push triggers to designated branches
type PushTrigger struct {
	Branches []string `yaml:"branches"`
}

// Build describes the image build step
type Build struct {
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile"`
	Tag        string            `yaml:"tag"`
	Lockfile   string            `yaml:"lockfile"`
	Manifest   string            `yaml:"manifest"`
	Args       map[string]string `yaml:"args"`
}

// Verify describes the smoke-test step run in a disposable container
type Verify struct {
	Command []string `yaml:"command"`
	Env     []string `yaml:"env"`
	Pattern string   `yaml:"pattern"` // regexp the command output must match
}

// Concurrency declares the run-supersession policy
type Concurrency struct {
	Group            string `yaml:"group"` // template, e.g. "{workflow}-{ref}"
	CancelInProgress bool   `yaml:"cancel_in_progress"`
}

// Default returns the configuration shipped out of the box: the opendg CPU
// image workflow (build docker/Dockerfile.cpu as opendg-cpu, then import the
// package in a throwaway container).
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			MetricsPort: "9090",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "buildci.db",
		},
		CacheDir: buildcache.Dir(),
		LogLevel: "info",
		Workflows: []Workflow{
			{
				Name: "cpu-image",
				Triggers: Triggers{
					Push:        PushTrigger{Branches: []string{"master"}},
					PullRequest: true,
				},
				Build: Build{
					Context:    ".",
					Dockerfile: "docker/Dockerfile.cpu",
					Tag:        "opendg-cpu",
					Lockfile:   "uv.lock",
					Manifest:   "pyproject.toml",
				},
				Verify: Verify{
					Command: []string{"python", "-c", "import opendg; print(opendg.__version__)"},
					Pattern: `\d+\.\d+`,
				},
				Concurrency: Concurrency{
					Group:            "{workflow}-{ref}",
					CancelInProgress: true,
				},
			},
		},
	}
}

// Load reads a YAML config file and fills in defaults for omitted fields
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Port == "" {
		c.Server.Port = def.Server.Port
	}
	if c.Server.MetricsPort == "" {
		c.Server.MetricsPort = def.Server.MetricsPort
	}
	if c.Database.Type == "" {
		c.Database.Type = def.Database.Type
	}
	if c.Database.Type == "sqlite" && c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.CacheDir == "" {
		c.CacheDir = buildcache.Dir()
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if len(c.Workflows) == 0 {
		c.Workflows = def.Workflows
	}
	for i := range c.Workflows {
		w := &c.Workflows[i]
		if w.Build.Context == "" {
			w.Build.Context = "."
		}
		if w.Build.Dockerfile == "" {
			w.Build.Dockerfile = "Dockerfile"
		}
		if w.Concurrency.Group == "" {
			w.Concurrency.Group = "{workflow}-{ref}"
			w.Concurrency.CancelInProgress = true
		}
	}
}

// Validate checks workflow definitions for the fields the pipeline requires
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, w := range c.Workflows {
		if w.Name == "" {
			return fmt.Errorf("workflow without a name")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate workflow name: %s", w.Name)
		}
		seen[w.Name] = true
		if w.Build.Tag == "" {
			return fmt.Errorf("workflow %s: build.tag is required", w.Name)
		}
		if len(w.Verify.Command) == 0 {
			return fmt.Errorf("workflow %s: verify.command is required", w.Name)
		}
	}
	return nil
}

// Workflow returns the named workflow, if configured
func (c *Config) Workflow(name string) (*Workflow, bool) {
	for i := range c.Workflows {
		if c.Workflows[i].Name == name {
			return &c.Workflows[i], true
		}
	}
	return nil, false
}

// Matches reports whether the event should trigger this workflow:
// pushes only to designated branches, pull requests unconditionally
// when enabled, manual triggers always.
func (w *Workflow) Matches(event *models.Event) bool {
	switch event.Type {
	case models.EventPush:
		for _, branch := range w.Triggers.Push.Branches {
			if branch == event.Branch {
				return true
			}
		}
		return false
	case models.EventPullRequest:
		return w.Triggers.PullRequest
	case models.EventManual:
		return true
	default:
		return false
	}
}

// GroupKey renders the concurrency-group key for a ref
func (w *Workflow) GroupKey(ref string) string {
	return strings.NewReplacer(
		"{workflow}", w.Name,
		"{ref}", ref,
	).Replace(w.Concurrency.Group)
}
