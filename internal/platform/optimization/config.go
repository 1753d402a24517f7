// Package optimization provides concurrency tuning for high load.
// Profiles size channel buffers, database pools and manual tick rate limits.
package optimization

import (
	"fmt"
	"runtime"
)

// Profile names accepted by ForProfile.
const (
	ProfileDefault = "default"
	ProfileStress  = "stress"
	ProfileLow     = "low"
)

// Config holds tuned parameters for high-load scenarios.
type Config struct {
	// Channel buffer sizes
	EventChannelBuffer     int
	BroadcastChannelBuffer int
	ClientSendBuffer       int

	// Connection pools
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Rate limiting
	ManualTicksPerSecond float64
	ManualTickBurst      int
	MaxClients           int
}

// DefaultConfig returns sensible defaults for production.
func DefaultConfig() *Config {
	numCPU := runtime.NumCPU()

	return &Config{
		EventChannelBuffer:     1024,
		BroadcastChannelBuffer: 256,
		ClientSendBuffer:       64,

		DBMaxOpenConns: numCPU * 4,
		DBMaxIdleConns: numCPU * 2,

		ManualTicksPerSecond: 10,
		ManualTickBurst:      5,
		MaxClients:           200,
	}
}

// StressTestConfig returns aggressive settings for stress testing.
func StressTestConfig() *Config {
	numCPU := runtime.NumCPU()

	return &Config{
		EventChannelBuffer:     4096,
		BroadcastChannelBuffer: 512,
		ClientSendBuffer:       128,

		DBMaxOpenConns: numCPU * 8,
		DBMaxIdleConns: numCPU * 4,

		ManualTicksPerSecond: 500,
		ManualTickBurst:      100,
		MaxClients:           1000,
	}
}

// LowResourceConfig returns minimal settings for development.
func LowResourceConfig() *Config {
	return &Config{
		EventChannelBuffer:     64,
		BroadcastChannelBuffer: 16,
		ClientSendBuffer:       8,

		DBMaxOpenConns: 5,
		DBMaxIdleConns: 2,

		ManualTicksPerSecond: 2,
		ManualTickBurst:      1,
		MaxClients:           20,
	}
}

// ForProfile returns the preset for name.
func ForProfile(name string) (*Config, error) {
	switch name {
	case "", ProfileDefault:
		return DefaultConfig(), nil
	case ProfileStress:
		return StressTestConfig(), nil
	case ProfileLow:
		return LowResourceConfig(), nil
	default:
		return nil, fmt.Errorf("unknown tuning profile %q", name)
	}
}
