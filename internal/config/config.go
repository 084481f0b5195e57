// Package config provides configuration loading and management for the DID-WBA service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the
// process environment always wins over .env and .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds developer overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Replay store backends understood by the server.
const (
	ReplayBackendMemory   = "memory"
	ReplayBackendPostgres = "postgres"
	ReplayBackendSQLite   = "sqlite"
)

// Public key encodings written into freshly created identity documents.
const (
	KeyEncodingJWK       = "jwk"
	KeyEncodingMultibase = "multibase"
)

// Config captures environment-driven settings for the server and the client.
// A Config is built once at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	Env            string // Deployment environment (dev, staging, prod)
	Address        string // HTTP server address (e.g., ":8000")
	MetricsAddress string // Optional dedicated metrics listener; empty serves /metrics on Address only

	// Token service
	JWTAlgorithm      string        // Only RS256 is accepted
	JWTPrivateKeyPath string        // PEM encoded RSA private key
	JWTPublicKeyPath  string        // PEM encoded RSA public key
	JWTGenerateKeys   bool          // Generate the key pair when the files are missing
	JWTIssuer         string        // iss claim of issued tokens
	AccessTokenTTL    time.Duration // Lifetime of issued access tokens

	// Replay protection
	NonceTTL        time.Duration // How long a (did, nonce) pair is remembered
	TimestampTTL    time.Duration // Maximum accepted age of a request timestamp
	ClockSkew       time.Duration // Maximum accepted distance of a timestamp into the future
	MaxHeaderSize   int           // Upper bound on the DIDWba Authorization header
	ReplayBackend   string        // memory, postgres or sqlite
	DatabaseDSN     string        // DSN for the SQL replay backends
	ReplayMaxEntry  int           // Capacity of the in-memory replay store
	ReplaySweep     time.Duration // Interval between expired-record sweeps
	MaxVerification int           // Concurrent signature verifications

	// Identity documents
	DocumentsPath      string   // Root directory of the identity store
	DocumentFilename   string   // File name of the identity document
	PrivateKeyFilename string   // File name of the private key
	DIDHost            string   // Host placed into locally created DIDs
	DIDPort            int      // Port placed into locally created DIDs (0 omits it)
	DIDPathPrefix      []string // Path segments placed before the principal
	KeyEncoding        string   // jwk or multibase
	ServerDomains      []string // host[:port] values whose documents are served from DocumentsPath
	ResolveScheme      string   // URL scheme used to fetch remote documents
	DIDCacheTTL        time.Duration
	DIDCacheSize       int

	// Client
	TargetServerURL string
}

// Default configuration values used when environment variables are not set
const (
	defaultAddress          = ":8000"
	defaultAlgorithm        = "RS256"
	defaultPrivateKeyPath   = "keys/jwt_private.pem"
	defaultPublicKeyPath    = "keys/jwt_public.pem"
	defaultIssuer           = "registryaccord-didwba"
	defaultAccessTokenTTL   = 60 * time.Minute
	defaultNonceTTL         = 6 * time.Minute
	defaultTimestampTTL     = 5 * time.Minute
	defaultClockSkew        = time.Minute
	defaultMaxHeaderSize    = 2048
	defaultDocumentsPath    = "did_keys"
	defaultDocumentFilename = "did.json"
	defaultPrivateKeyFile   = "key-1_private.pem"
	defaultDIDHost          = "localhost"
	defaultDIDPort          = 8000
	defaultDIDPathPrefix    = "wba:user"
	defaultResolveScheme    = "https"
	defaultDIDCacheTTL      = 15 * time.Minute
	defaultDIDCacheSize     = 10000
	defaultReplayMaxEntries = 100000
	defaultReplaySweep      = 30 * time.Second
	defaultTargetServerURL  = "http://localhost:8000"
)

// Load reads environment variables and produces a validated Config.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("DIDWBA_ENV", "dev"),
		Address:            getEnv("DIDWBA_HTTP_ADDR", defaultAddress),
		MetricsAddress:     getEnv("DIDWBA_METRICS_ADDR", ""),
		JWTAlgorithm:       strings.ToUpper(getEnv("DIDWBA_JWT_ALGORITHM", defaultAlgorithm)),
		JWTPrivateKeyPath:  getEnv("DIDWBA_JWT_PRIVATE_KEY_PATH", defaultPrivateKeyPath),
		JWTPublicKeyPath:   getEnv("DIDWBA_JWT_PUBLIC_KEY_PATH", defaultPublicKeyPath),
		JWTIssuer:          getEnv("DIDWBA_JWT_ISSUER", defaultIssuer),
		ReplayBackend:      strings.ToLower(getEnv("DIDWBA_REPLAY_BACKEND", ReplayBackendMemory)),
		DatabaseDSN:        getEnv("DIDWBA_DB_DSN", ""),
		DocumentsPath:      getEnv("DIDWBA_DID_DOCUMENTS_PATH", defaultDocumentsPath),
		DocumentFilename:   getEnv("DIDWBA_DID_DOCUMENT_FILENAME", defaultDocumentFilename),
		PrivateKeyFilename: getEnv("DIDWBA_PRIVATE_KEY_FILENAME", defaultPrivateKeyFile),
		DIDHost:            getEnv("DIDWBA_DID_HOST", defaultDIDHost),
		DIDPathPrefix:      splitList(getEnv("DIDWBA_DID_PATH_PREFIX", defaultDIDPathPrefix), ":"),
		KeyEncoding:        strings.ToLower(getEnv("DIDWBA_KEY_ENCODING", KeyEncodingJWK)),
		ResolveScheme:      strings.ToLower(getEnv("DIDWBA_RESOLVE_SCHEME", defaultResolveScheme)),
		TargetServerURL:    strings.TrimRight(getEnv("DIDWBA_TARGET_SERVER_URL", defaultTargetServerURL), "/"),
	}

	// Key generation is convenient locally and dangerous elsewhere
	cfg.JWTGenerateKeys = cfg.Env == "dev"
	if v, exists := os.LookupEnv("DIDWBA_JWT_GENERATE_KEYS"); exists {
		cfg.JWTGenerateKeys = parseBool(v)
	}

	var err error
	if cfg.AccessTokenTTL, err = durationFromEnv("DIDWBA_ACCESS_TOKEN_EXPIRE_MINUTES", time.Minute, defaultAccessTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.NonceTTL, err = durationFromEnv("DIDWBA_NONCE_EXPIRATION_MINUTES", time.Minute, defaultNonceTTL); err != nil {
		return Config{}, err
	}
	if cfg.TimestampTTL, err = durationFromEnv("DIDWBA_TIMESTAMP_EXPIRATION_MINUTES", time.Minute, defaultTimestampTTL); err != nil {
		return Config{}, err
	}
	// 0 is meaningful here: no future-dated timestamps are accepted
	cfg.ClockSkew = defaultClockSkew
	if raw, exists := os.LookupEnv("DIDWBA_CLOCK_SKEW_SECONDS"); exists && raw != "" {
		n, err := parseNonNegative(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DIDWBA_CLOCK_SKEW_SECONDS: %w", err)
		}
		cfg.ClockSkew = time.Duration(n) * time.Second
	}
	if cfg.DIDCacheTTL, err = durationFromEnv("DIDWBA_DID_CACHE_MINUTES", time.Minute, defaultDIDCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReplaySweep, err = durationFromEnv("DIDWBA_REPLAY_SWEEP_SECONDS", time.Second, defaultReplaySweep); err != nil {
		return Config{}, err
	}
	if cfg.MaxHeaderSize, err = intFromEnv("DIDWBA_MAX_HEADER_SIZE", defaultMaxHeaderSize); err != nil {
		return Config{}, err
	}
	// 0 is meaningful here: the DID carries no port segment
	cfg.DIDPort = defaultDIDPort
	if raw, exists := os.LookupEnv("DIDWBA_DID_PORT"); exists && raw != "" {
		if cfg.DIDPort, err = strconv.Atoi(strings.TrimSpace(raw)); err != nil {
			return Config{}, fmt.Errorf("invalid DIDWBA_DID_PORT: %w", err)
		}
	}
	if cfg.DIDCacheSize, err = intFromEnv("DIDWBA_DID_CACHE_SIZE", defaultDIDCacheSize); err != nil {
		return Config{}, err
	}
	if cfg.ReplayMaxEntry, err = intFromEnv("DIDWBA_REPLAY_MAX_ENTRIES", defaultReplayMaxEntries); err != nil {
		return Config{}, err
	}
	if cfg.MaxVerification, err = intFromEnv("DIDWBA_MAX_CONCURRENT_VERIFICATIONS", 4*runtime.GOMAXPROCS(0)); err != nil {
		return Config{}, err
	}

	if domains, exists := os.LookupEnv("DIDWBA_SERVER_DOMAINS"); exists {
		cfg.ServerDomains = splitList(domains, ",")
	} else {
		cfg.ServerDomains = []string{cfg.LocalDomain()}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints that Load cannot express per variable.
func (c Config) Validate() error {
	if c.JWTAlgorithm != defaultAlgorithm {
		return fmt.Errorf("unsupported jwt algorithm %q: only %s is accepted", c.JWTAlgorithm, defaultAlgorithm)
	}
	if c.TimestampTTL <= 0 || c.NonceTTL <= 0 || c.AccessTokenTTL <= 0 {
		return errors.New("token, nonce and timestamp lifetimes must be > 0")
	}
	// a nonce must outlive every timestamp that could still be accepted
	if c.NonceTTL <= c.TimestampTTL {
		return fmt.Errorf("nonce expiration (%s) must exceed timestamp expiration (%s)", c.NonceTTL, c.TimestampTTL)
	}
	if c.ClockSkew < 0 {
		return errors.New("clock skew must be >= 0")
	}
	if c.MaxHeaderSize <= 0 {
		return errors.New("max header size must be > 0")
	}
	switch c.ReplayBackend {
	case ReplayBackendMemory:
	case ReplayBackendPostgres, ReplayBackendSQLite:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DIDWBA_DB_DSN is required for replay backend %q", c.ReplayBackend)
		}
	default:
		return fmt.Errorf("unknown replay backend %q", c.ReplayBackend)
	}
	switch c.KeyEncoding {
	case KeyEncodingJWK, KeyEncodingMultibase:
	default:
		return fmt.Errorf("unknown key encoding %q", c.KeyEncoding)
	}
	if c.ResolveScheme != "http" && c.ResolveScheme != "https" {
		return fmt.Errorf("unsupported resolve scheme %q", c.ResolveScheme)
	}
	if c.DIDHost == "" {
		return errors.New("DIDWBA_DID_HOST must not be empty")
	}
	if c.DIDPort < 0 || c.DIDPort > 65535 {
		return fmt.Errorf("invalid DID port %d", c.DIDPort)
	}
	return nil
}

// LocalDomain is the host[:port] authority this deployment places into its own DIDs.
func (c Config) LocalDomain() string {
	if c.DIDPort == 0 {
		return c.DIDHost
	}
	return c.DIDHost + ":" + strconv.Itoa(c.DIDPort)
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func durationFromEnv(key string, unit, fallback time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	n, err := parsePositive(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * unit, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	n, err := parsePositive(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return int(n), nil
}

// parsePositive converts a decimal string to a positive integer
func parsePositive(raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("value must be > 0")
	}
	return n, nil
}

func parseNonNegative(raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("value must be >= 0")
	}
	return n, nil
}

func splitList(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
