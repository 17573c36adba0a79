// Package config provides configuration loading and management for the VPI
// recordings service. It handles environment variable parsing and provides
// default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the recordings service.
type Config struct {
	Env         string            // Deployment environment (dev, staging, prod)
	Port        string            // HTTP server port
	TenantDSNs  map[string]string // Per-opco PostgreSQL connection strings
	NATSURL     string            // NATS server URL for audit events
	S3Endpoint  string            // S3-compatible storage endpoint
	S3Region    string            // S3 region
	S3Bucket    string            // Bucket holding the raw WAV recordings
	S3AccessKey string            // S3 access key
	S3SecretKey string            // S3 secret key
	JWTIssuer   string            // Expected issuer for JWT validation
	JWTAudience string            // Expected audience for JWT validation

	// Audio processing
	FFmpegPath              string        // Path to the ffmpeg binary
	TranscodeTimeout        time.Duration // Wall-clock limit per transcode
	MaxConcurrentTranscodes int           // Cap on simultaneous ffmpeg processes

	// Recording lookup
	StrictBlobMatch bool // Disable the last-blob fallback when no name matches

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort             = "8080"
	defaultS3Region         = "us-east-1"
	defaultEnv              = "dev"
	defaultFFmpegPath       = "ffmpeg"
	defaultTranscodeTimeout = 60 * time.Second
	defaultMaxTranscodes    = 4
)

// tenantOpcos lists the operating companies a deployment may bind a database
// for. A missing DSN leaves that tenant unprovisioned rather than failing
// startup.
var tenantOpcos = []string{"CMP", "NYSEG", "RGE"}

// Opcos returns the operating companies this build knows about.
func Opcos() []string {
	return append([]string(nil), tenantOpcos...)
}

// Load reads environment variables and produces a Config suitable for wiring the service.
// It handles both required and optional configuration parameters, providing defaults where appropriate.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{TenantDSNs: make(map[string]string)}

	if env, exists := os.LookupEnv("VPI_ENV"); exists {
		cfg.Env = env
	} else {
		cfg.Env = defaultEnv
	}

	if port, exists := os.LookupEnv("VPI_PORT"); exists {
		cfg.Port = port
	} else {
		cfg.Port = defaultPort
	}

	for _, opco := range tenantOpcos {
		if dsn, exists := os.LookupEnv("VPI_DB_DSN_" + opco); exists && dsn != "" {
			cfg.TenantDSNs[opco] = dsn
		}
	}

	if natsURL, exists := os.LookupEnv("VPI_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	if s3Endpoint, exists := os.LookupEnv("VPI_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = s3Endpoint
	}

	if s3Region, exists := os.LookupEnv("VPI_S3_REGION"); exists {
		cfg.S3Region = s3Region
	} else {
		cfg.S3Region = defaultS3Region
	}

	if s3Bucket, exists := os.LookupEnv("VPI_S3_BUCKET"); exists {
		cfg.S3Bucket = s3Bucket
	}

	if s3AccessKey, exists := os.LookupEnv("VPI_S3_ACCESS_KEY"); exists {
		cfg.S3AccessKey = s3AccessKey
	}

	if s3SecretKey, exists := os.LookupEnv("VPI_S3_SECRET_KEY"); exists {
		cfg.S3SecretKey = s3SecretKey
	}

	if jwtIssuer, exists := os.LookupEnv("VPI_JWT_ISSUER"); exists {
		cfg.JWTIssuer = jwtIssuer
	}

	if jwtAudience, exists := os.LookupEnv("VPI_JWT_AUDIENCE"); exists {
		cfg.JWTAudience = jwtAudience
	}

	if ffmpegPath, exists := os.LookupEnv("VPI_FFMPEG_PATH"); exists && ffmpegPath != "" {
		cfg.FFmpegPath = ffmpegPath
	} else {
		cfg.FFmpegPath = defaultFFmpegPath
	}

	if timeoutSecs, exists := os.LookupEnv("VPI_TRANSCODE_TIMEOUT_SECONDS"); exists {
		if secs, err := strconv.Atoi(timeoutSecs); err == nil && secs > 0 {
			cfg.TranscodeTimeout = time.Duration(secs) * time.Second
		}
	}
	if cfg.TranscodeTimeout == 0 {
		cfg.TranscodeTimeout = defaultTranscodeTimeout
	}

	if maxTranscodes, exists := os.LookupEnv("VPI_MAX_CONCURRENT_TRANSCODES"); exists {
		if n, err := strconv.Atoi(maxTranscodes); err == nil && n > 0 {
			cfg.MaxConcurrentTranscodes = n
		}
	}
	if cfg.MaxConcurrentTranscodes == 0 {
		cfg.MaxConcurrentTranscodes = defaultMaxTranscodes
	}

	if strict, exists := os.LookupEnv("VPI_STRICT_BLOB_MATCH"); exists {
		cfg.StrictBlobMatch = parseBool(strict)
	}

	if corsOrigins, exists := os.LookupEnv("VPI_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("VPI_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("VPI_JWT_AUDIENCE is required")
	}

	return cfg, nil
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
