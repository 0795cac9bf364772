package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pcharbon70/rubberduck"
	"github.com/pcharbon70/rubberduck/agent"
	"github.com/pcharbon70/rubberduck/pkg/observability"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", "config/agents.yaml"), "Agent configuration file")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 8080), "HTTP server port")
)

func main() {
	flag.Parse()

	log.Printf("Starting rubberduck runtime v%s", Version)
	log.Printf("Config: %s, HTTP Port: %d", *configFile, *httpPort)

	// Initialize observability
	observability.InitMetrics()
	healthChecker := observability.InitHealthChecker()
	healthChecker.RegisterCheck(observability.PingCheck())

	loader := rubberduck.NewConfigLoader(&rubberduck.OSFileReader{})
	config, err := loader.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	rt := rubberduck.NewRuntime(config)
	rt.RegisterBehavior("echo", func(cfg agent.Config) (agent.Behavior, error) {
		return &agent.EchoBehavior{}, nil
	})
	healthChecker.RegisterCheck(observability.SupervisorCheck(rt.Err))

	// Start observability server
	obsServer := observability.NewServer(*httpPort).
		WithMessagingSnapshot(func() any { return rt.Messaging().MetricsSnapshot() })
	errChan := make(chan error, 2)
	go func() {
		log.Printf("Starting HTTP server on :%d", *httpPort)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Start the agent runtime
	go func() {
		if err := rubberduck.RunWithConfig(config, rt); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down runtime...")
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Runtime stopped")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
