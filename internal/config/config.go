package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/origin"
)

const (
	envVarConfigFile      = "MATCHMAKING_RELAY_CONFIG"
	envVarListenAddr      = "MATCHMAKING_RELAY_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarMode            = "MATCHMAKING_RELAY_MODE"
	envVarLogFormat       = "MATCHMAKING_RELAY_LOG_FORMAT"
	envVarLogLevel        = "MATCHMAKING_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "MATCHMAKING_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMaxConnections  = "MAX_CONNECTIONS"

	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueDepth       = "SIGNALING_SEND_QUEUE_DEPTH"
	envVarTrackPairings                 = "TRACK_PAIRINGS"

	envVarVerifyEnabled     = "VERIFY_ENABLED"
	envVarVerifyTokenSecret = "VERIFY_TOKEN_SECRET"
	envVarVerifyTokenTTL    = "VERIFY_TOKEN_TTL"
)

const (
	flagConfig                        = "config"
	flagListenAddr                    = "listen-addr"
	flagMode                          = "mode"
	flagLogFormat                     = "log-format"
	flagLogLevel                      = "log-level"
	flagShutdownTimeout               = "shutdown-timeout"
	flagAllowedOrigins                = "allowed-origins"
	flagMaxConnections                = "max-connections"
	flagSignalingWSIdleTimeout        = "signaling-ws-idle-timeout"
	flagSignalingWSPingInterval       = "signaling-ws-ping-interval"
	flagMaxSignalingMessageBytes      = "max-signaling-message-bytes"
	flagMaxSignalingMessagesPerSecond = "max-signaling-messages-per-second"
	flagSignalingSendQueueDepth       = "signaling-send-queue-depth"
	flagTrackPairings                 = "track-pairings"
	flagVerifyEnabled                 = "verify-enabled"
	flagVerifyTokenSecret             = "verify-token-secret"
	flagVerifyTokenTTL                = "verify-token-ttl"
)

const (
	DefaultListenAddr                    = "127.0.0.1:3000"
	DefaultShutdown                      = 15 * time.Second
	DefaultMode                     Mode = ModeDev
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueDepth       = 64
	DefaultVerifyTokenTTL                = 10 * time.Minute
)

// devAllowedOrigins mirrors the dev servers browsers usually run on.
var devAllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins is the browser origin allowlist. Empty means same-host
	// only.
	AllowedOrigins []string

	// MaxConnections bounds concurrently registered signaling connections.
	// A value <= 0 means unlimited.
	MaxConnections int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueDepth       int

	// TrackPairings keeps a partner table after each match, enabling
	// peer-disconnected notices and partner-only relaying.
	TrackPairings bool

	ICEServers []webrtc.ICEServer

	VerifyEnabled  bool
	VerifyTokenTTL time.Duration
	// VerifyTokenSecret signs verification tokens. When none is configured a
	// random per-process secret is generated and VerifyTokenSecretEphemeral is
	// set.
	VerifyTokenSecret          string
	VerifyTokenSecretEphemeral bool

	// ConfigFile is the YAML file the settings were layered on, if any.
	ConfigFile string

	iceConfigErr error
}

// ICEConfigError reports why the ICE configuration was rejected. Startup is
// not aborted for it; readiness reports it instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// OriginPolicy returns the allowlist as an origin.Policy.
func (c Config) OriginPolicy() origin.Policy {
	return origin.Policy(c.AllowedOrigins)
}

// Load reads configuration from defaults, the optional YAML file, the process
// environment and args, in ascending precedence.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configPathFromArgs(args)
	if configFile == "" {
		configFile = strings.TrimSpace(envOrDefault(envLookup, envVarConfigFile, ""))
	}

	lookup := envLookup
	if configFile != "" {
		fc, err := readFileConfig(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(envLookup, fc.asEnv())
	}

	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, "")
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, "")

	listenAddr := DefaultListenAddr
	if port, ok := lookup(envVarPort); ok && strings.TrimSpace(port) != "" {
		listenAddr = ":" + strings.TrimSpace(port)
	}
	listenAddr = envOrDefault(lookup, envVarListenAddr, listenAddr)

	allowedOriginsStr, allowedOriginsSet := lookup(envVarAllowedOrigins)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	maxConnections, err := envIntOrDefault(lookup, envVarMaxConnections, 0)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	messagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueDepth, err := envIntOrDefault(lookup, envVarSignalingSendQueueDepth, DefaultSignalingSendQueueDepth)
	if err != nil {
		return Config{}, err
	}
	trackPairings, err := envBoolOrDefault(lookup, envVarTrackPairings, false)
	if err != nil {
		return Config{}, err
	}

	ice := iceSettings{
		JSON:           envOrDefault(lookup, envICEServersJSON, ""),
		StunURLs:       envOrDefault(lookup, envStunURLs, ""),
		TurnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		TurnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		TurnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	verifyEnabled, err := envBoolOrDefault(lookup, envVarVerifyEnabled, true)
	if err != nil {
		return Config{}, err
	}
	verifySecret := envOrDefault(lookup, envVarVerifyTokenSecret, "")
	verifyTTL, err := envDurationOrDefault(lookup, envVarVerifyTokenTTL, DefaultVerifyTokenTTL)
	if err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("matchmaking-relay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&configFile, flagConfig, configFile, "YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, flagListenAddr, listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&modeStr, flagMode, modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, flagLogFormat, logFormatDefault, "Log format: text or json (default depends on --mode)")
	fs.StringVar(&logLevelStr, flagLogLevel, logLevelDefault, "Log level: debug, info, warn, error (default depends on --mode)")
	fs.DurationVar(&shutdownTimeout, flagShutdownTimeout, shutdownTimeout, "Graceful shutdown timeout")
	fs.StringVar(&allowedOriginsStr, flagAllowedOrigins, allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.IntVar(&maxConnections, flagMaxConnections, maxConnections, "Maximum concurrent signaling connections (0 = unlimited)")
	fs.DurationVar(&idleTimeout, flagSignalingWSIdleTimeout, idleTimeout, "Close signaling websockets after this long without a pong or message (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, flagSignalingWSPingInterval, pingInterval, "Signaling websocket ping interval (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, flagMaxSignalingMessageBytes, maxMessageBytes, "Maximum inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&messagesPerSecond, flagMaxSignalingMessagesPerSecond, messagesPerSecond, "Maximum inbound signaling messages per second per connection (0 = unlimited)")
	fs.IntVar(&sendQueueDepth, flagSignalingSendQueueDepth, sendQueueDepth, "Outbound messages buffered per connection before it is closed as a slow consumer")
	fs.BoolVar(&trackPairings, flagTrackPairings, trackPairings, "Remember pairings to notify peer-disconnected and restrict relaying to partners (env "+envVarTrackPairings+")")
	fs.StringVar(&ice.JSON, "ice-servers-json", ice.JSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.StunURLs, "stun-urls", ice.StunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.TurnURLs, "turn-urls", ice.TurnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.TurnUsername, "turn-username", ice.TurnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.TurnCredential, "turn-credential", ice.TurnCredential, "TURN credential ("+envTurnCredential+")")
	fs.BoolVar(&verifyEnabled, flagVerifyEnabled, verifyEnabled, "Serve POST /api/verify (env "+envVarVerifyEnabled+")")
	fs.StringVar(&verifySecret, flagVerifyTokenSecret, verifySecret, "HMAC secret for verification tokens (env "+envVarVerifyTokenSecret+")")
	fs.DurationVar(&verifyTTL, flagVerifyTokenTTL, verifyTTL, "Lifetime of verification tokens (env "+envVarVerifyTokenTTL+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	if strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--%s: %w", envVarAllowedOrigins, flagAllowedOrigins, err)
	}
	if !allowedOriginsSet && !fs.Changed(flagAllowedOrigins) && mode == ModeDev {
		allowedOrigins = append([]string(nil), devAllowedOrigins...)
	}

	cfg := Config{
		ListenAddr:                    strings.TrimSpace(listenAddr),
		Mode:                          mode,
		LogFormat:                     logFormat,
		LogLevel:                      logLevel,
		ShutdownTimeout:               shutdownTimeout,
		AllowedOrigins:                allowedOrigins,
		MaxConnections:                maxConnections,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: messagesPerSecond,
		SignalingSendQueueDepth:       sendQueueDepth,
		TrackPairings:                 trackPairings,
		VerifyEnabled:                 verifyEnabled,
		VerifyTokenSecret:             verifySecret,
		VerifyTokenTTL:                verifyTTL,
		ConfigFile:                    configFile,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if cfg.VerifyEnabled && cfg.VerifyTokenSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return Config{}, err
		}
		cfg.VerifyTokenSecret = secret
		cfg.VerifyTokenSecretEphemeral = true
	}

	cfg.ICEServers, cfg.iceConfigErr = resolveICEServers(ice, mode)
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%s/--%s must not be empty", envVarListenAddr, flagListenAddr)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s/--%s must be > 0", envVarShutdownTimeout, flagShutdownTimeout)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%s/--%s must be >= 0", envVarMaxConnections, flagMaxConnections)
	}
	if c.SignalingWSIdleTimeout <= 0 {
		return fmt.Errorf("%s/--%s must be > 0", envVarSignalingWSIdleTimeout, flagSignalingWSIdleTimeout)
	}
	if c.SignalingWSPingInterval <= 0 {
		return fmt.Errorf("%s/--%s must be > 0", envVarSignalingWSPingInterval, flagSignalingWSPingInterval)
	}
	if c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout {
		return fmt.Errorf("%s/--%s must be < %s/--%s", envVarSignalingWSPingInterval, flagSignalingWSPingInterval, envVarSignalingWSIdleTimeout, flagSignalingWSIdleTimeout)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s/--%s must be > 0", envVarMaxSignalingMessageBytes, flagMaxSignalingMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond < 0 {
		return fmt.Errorf("%s/--%s must be >= 0", envVarMaxSignalingMessagesPerSecond, flagMaxSignalingMessagesPerSecond)
	}
	if c.SignalingSendQueueDepth <= 0 {
		return fmt.Errorf("%s/--%s must be > 0", envVarSignalingSendQueueDepth, flagSignalingSendQueueDepth)
	}
	if c.VerifyTokenTTL <= 0 {
		return fmt.Errorf("%s/--%s must be > 0", envVarVerifyTokenTTL, flagVerifyTokenTTL)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// configPathFromArgs finds --config ahead of the full parse so the file can
// seed flag defaults.
func configPathFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		switch {
		case arg == "--"+flagConfig:
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "--"+flagConfig+"="):
			return strings.TrimPrefix(arg, "--"+flagConfig+"=")
		}
	}
	return ""
}

// layered consults primary first and falls back to values.
func layered(primary func(string) (string, bool), values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok && v != "" {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok || normalizedOrigin == "null" {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}

func randomSecret() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate verify token secret: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
