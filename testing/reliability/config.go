// Package reliability holds long-running stress scenarios for scopez. They
// are skipped unless SCOPEZ_RELIABILITY_LEVEL is set to "basic" or "stress".
package reliability

import (
	"os"
	"strconv"
	"time"
)

// ReliabilityConfig holds configuration for reliability testing.
type ReliabilityConfig struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // Test duration for stress tests
	MaxGoroutines int           // Maximum goroutines for concurrent tests
	MaxDepth      int           // Deepest layer stack built by nesting tests
}

// getReliabilityConfig reads configuration from environment variables.
func getReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Level:         getEnv("SCOPEZ_RELIABILITY_LEVEL", ""),
		Duration:      parseDuration(getEnv("SCOPEZ_RELIABILITY_DURATION", "5s")),
		MaxGoroutines: parseInt(getEnv("SCOPEZ_RELIABILITY_MAX_GOROUTINES", "100")),
		MaxDepth:      parseInt(getEnv("SCOPEZ_RELIABILITY_MAX_DEPTH", "200")),
	}
}

// scale picks the basic or stress variant of a parameter.
func (c ReliabilityConfig) scale(basic, stress int) int {
	if c.Level == "stress" {
		return stress
	}
	return basic
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	if value, err := strconv.Atoi(s); err == nil {
		return value
	}
	return 0
}

func parseDuration(s string) time.Duration {
	if duration, err := time.ParseDuration(s); err == nil {
		return duration
	}
	return 5 * time.Second
}

// shouldSkipReliabilityTests determines if reliability tests should be skipped.
func shouldSkipReliabilityTests() bool {
	level := os.Getenv("SCOPEZ_RELIABILITY_LEVEL")
	return level != "basic" && level != "stress"
}
