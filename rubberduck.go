// Package rubberduck is a fault-tolerant runtime for populations of
// message-passing agents. Each agent runs as a supervised process with a
// serialized mailbox; the runtime wires the supervisor, registry, and
// messaging layer together from a YAML config.
package rubberduck

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pcharbon70/rubberduck/pkg/observability"
)

// Config represents the top-level configuration
type Config struct {
	Supervisor SupervisorDef `yaml:"supervisor,omitempty"`
	Messaging  MessagingDef  `yaml:"messaging,omitempty"`
	Agents     []AgentDef    `yaml:"agents"`

	// HealthSweep is a cron spec for periodic population health logging
	// (e.g. "@every 30s"). Empty disables the sweep.
	HealthSweep string `yaml:"health_sweep,omitempty"`
}

// SupervisorDef configures restart policy and agent mailboxes.
type SupervisorDef struct {
	// MaxRestarts bounds restarts within the window. Default: 3.
	MaxRestarts int `yaml:"max_restarts,omitempty"`

	// RestartWindow is the sliding window the restart bound applies to
	// (e.g. "5s"). Default: 5s.
	RestartWindow string `yaml:"restart_window,omitempty"`

	// MailboxSize is the mailbox capacity of every agent. Default: 100.
	MailboxSize int `yaml:"mailbox_size,omitempty"`
}

// MessagingDef configures fan-out throttling for broadcast and pub/sub.
type MessagingDef struct {
	// RateLimit is the per-sender fan-out rate in events per second.
	// Zero disables throttling.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// Burst is the per-sender burst allowance. Default: 2x RateLimit.
	Burst int `yaml:"burst,omitempty"`
}

// AgentDef declares one group of agents to start at boot.
type AgentDef struct {
	// Name is the agent id; for Count > 1 it becomes a prefix.
	Name string `yaml:"name,omitempty"`

	// Type selects the registered behavior factory.
	Type string `yaml:"type"`

	// Count is how many instances to start. Default: 1.
	Count int `yaml:"count,omitempty"`

	// Config is passed to the behavior's Init.
	Config map[string]any `yaml:"config,omitempty"`

	// Subscriptions lists event types the agent subscribes to at boot.
	Subscriptions []string `yaml:"subscriptions,omitempty"`
}

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a new config loader
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig loads and parses a config file
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	for i, def := range c.Agents {
		if def.Type == "" {
			return fmt.Errorf("agent %d: type is required", i)
		}
		if def.Count < 0 {
			return fmt.Errorf("agent %d (%s): count must not be negative", i, def.Type)
		}
	}
	if c.Supervisor.RestartWindow != "" {
		if _, err := time.ParseDuration(c.Supervisor.RestartWindow); err != nil {
			return fmt.Errorf("supervisor.restart_window: %w", err)
		}
	}
	return nil
}

// restartWindow returns the parsed window, or zero when unset.
func (d SupervisorDef) restartWindow() time.Duration {
	if d.RestartWindow == "" {
		return 0
	}
	w, err := time.ParseDuration(d.RestartWindow)
	if err != nil {
		return 0
	}
	return w
}

// Run starts the agent system from a config file using the default
// runtime, blocking until SIGINT/SIGTERM or supervisor escalation.
func Run(configPath string) error {
	loader := NewConfigLoader(&OSFileReader{})
	config, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(config, NewRuntime(config))
}

// RunWithConfig starts the system with the provided config and runtime
// (useful for testing with pre-registered behaviors).
func RunWithConfig(config *Config, rt *Runtime) error {
	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("Warning: Failed to initialize tracing: %v", err)
		// Continue even if tracing fails
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("Received signal %v, shutting down", sig)
	case err := <-rt.Failed():
		log.Printf("Supervisor failed: %v", err)
		shutdownErr := shutdown(rt)
		if shutdownErr != nil {
			log.Printf("Shutdown error: %v", shutdownErr)
		}
		return err
	}

	return shutdown(rt)
}

func shutdown(rt *Runtime) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rt.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := observability.ShutdownTracing(ctx); err != nil {
		log.Printf("Warning: tracing shutdown: %v", err)
	}
	return nil
}
