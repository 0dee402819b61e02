package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds endpoints and retry tunables for the hosting CLI.
type Config struct {
	ControlPlaneURL string
	WebLoginURL     string
	RequestTimeout  time.Duration

	WebAuthRetries int
	WebAuthSleep   time.Duration

	PickupDelay       time.Duration
	MilestoneMessages int
	ReachabilityTries int
	ReachabilitySleep time.Duration

	LogLevel string
}

// Load constructs a Config from environment variables with sane defaults.
func Load() Config {
	return Config{
		ControlPlaneURL:   GetString("ORBIT_CONTROL_PLANE_URL", "https://control.orbitdeploy.dev"),
		WebLoginURL:       GetString("ORBIT_WEB_URL", "https://app.orbitdeploy.dev"),
		RequestTimeout:    GetDuration("ORBIT_REQUEST_TIMEOUT_SECONDS", 20*time.Second),
		WebAuthRetries:    GetInt("ORBIT_WEB_AUTH_RETRIES", 60),
		WebAuthSleep:      GetDuration("ORBIT_WEB_AUTH_SLEEP_SECONDS", 5*time.Second),
		PickupDelay:       GetDuration("ORBIT_PICKUP_DELAY_SECONDS", 30*time.Second),
		MilestoneMessages: GetInt("ORBIT_MILESTONE_MESSAGES", 120),
		ReachabilityTries: GetInt("ORBIT_REACHABILITY_TRIES", 30),
		ReachabilitySleep: GetDuration("ORBIT_REACHABILITY_SLEEP_SECONDS", 2*time.Second),
		LogLevel:          GetString("ORBIT_LOG_LEVEL", "warn"),
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetDuration retrieves an environment variable as a whole number of seconds
// or returns fallback.
func GetDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return time.Duration(parsed) * time.Second
	}
	return fallback
}
