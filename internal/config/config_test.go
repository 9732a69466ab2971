package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if got := strings.Join(cfg.AllowedOrigins, ","); got != "http://localhost:3000,http://localhost:3001" {
		t.Fatalf("AllowedOrigins=%q", got)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout || cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("keepalive=%v/%v", cfg.SignalingWSIdleTimeout, cfg.SignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.SignalingSendQueueDepth != DefaultSignalingSendQueueDepth {
		t.Fatalf("SignalingSendQueueDepth=%d, want %d", cfg.SignalingSendQueueDepth, DefaultSignalingSendQueueDepth)
	}
	if cfg.TrackPairings {
		t.Fatalf("TrackPairings=true, want false")
	}
	if !cfg.VerifyEnabled || !cfg.VerifyTokenSecretEphemeral || cfg.VerifyTokenSecret == "" {
		t.Fatalf("verify=%v ephemeral=%v secretSet=%v", cfg.VerifyEnabled, cfg.VerifyTokenSecretEphemeral, cfg.VerifyTokenSecret != "")
	}
	if cfg.VerifyTokenTTL != 10*time.Minute {
		t.Fatalf("VerifyTokenTTL=%v, want 10m", cfg.VerifyTokenTTL)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEConfigError() != nil {
		t.Fatalf("ICEServers=%#v err=%v", cfg.ICEServers, cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("prod logging=%q/%v, want json/info", cfg.LogFormat, cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("prod AllowedOrigins=%v, want same-host default", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("prod ICEServers=%v, want none", cfg.ICEServers)
	}
}

func TestEnvOverridesAndFlagsWin(t *testing.T) {
	env := lookupMap(map[string]string{
		envVarMode:                          "prod",
		envVarLogLevel:                      "warn",
		envVarMaxConnections:                "100",
		envVarSignalingWSIdleTimeout:        "30s",
		envVarSignalingWSPingInterval:       "5s",
		envVarMaxSignalingMessagesPerSecond: "10",
		envVarTrackPairings:                 "true",
		envVarAllowedOrigins:                "https://App.Example.com:443, *",
		envVarVerifyTokenSecret:             "s3cret",
	})

	cfg, err := load(env, []string{"--max-connections=5", "--log-level", "error"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxConnections != 5 {
		t.Fatalf("MaxConnections=%d, want flag value 5", cfg.MaxConnections)
	}
	if cfg.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel=%v, want error", cfg.LogLevel)
	}
	if cfg.SignalingWSIdleTimeout != 30*time.Second || cfg.SignalingWSPingInterval != 5*time.Second {
		t.Fatalf("keepalive=%v/%v", cfg.SignalingWSIdleTimeout, cfg.SignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessagesPerSecond != 10 || !cfg.TrackPairings {
		t.Fatalf("rate=%d track=%v", cfg.MaxSignalingMessagesPerSecond, cfg.TrackPairings)
	}
	if got := strings.Join(cfg.AllowedOrigins, ","); got != "https://app.example.com,*" {
		t.Fatalf("AllowedOrigins=%q", got)
	}
	if cfg.VerifyTokenSecret != "s3cret" || cfg.VerifyTokenSecretEphemeral {
		t.Fatalf("verify secret not taken from env")
	}
}

func TestListenAddrFallsBackToPORT(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarPort: "8081"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8081" {
		t.Fatalf("ListenAddr=%q, want :8081", cfg.ListenAddr)
	}

	cfg, err = load(lookupMap(map[string]string{envVarPort: "8081", envVarListenAddr: "0.0.0.0:9000"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr=%q, want explicit addr", cfg.ListenAddr)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		wantSub string
	}{
		{name: "ping not below idle", args: []string{"--signaling-ws-ping-interval=60s"}, wantSub: "--signaling-ws-ping-interval must be <"},
		{name: "zero message bytes", args: []string{"--max-signaling-message-bytes=0"}, wantSub: "--max-signaling-message-bytes must be > 0"},
		{name: "negative rate", args: []string{"--max-signaling-messages-per-second=-1"}, wantSub: "must be >= 0"},
		{name: "zero queue depth", env: map[string]string{envVarSignalingSendQueueDepth: "0"}, wantSub: envVarSignalingSendQueueDepth},
		{name: "bad duration", env: map[string]string{envVarSignalingWSIdleTimeout: "soon"}, wantSub: "invalid " + envVarSignalingWSIdleTimeout},
		{name: "bad bool", env: map[string]string{envVarTrackPairings: "maybe"}, wantSub: "invalid " + envVarTrackPairings},
		{name: "bad origin", args: []string{"--allowed-origins=example.com"}, wantSub: "invalid origin"},
		{name: "bad mode", args: []string{"--mode=staging"}, wantSub: "invalid mode"},
		{name: "extra args", args: []string{"serve"}, wantSub: "unexpected arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(lookupMap(tt.env), tt.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("err=%q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestHelpReturnsErrHelp(t *testing.T) {
	_, err := load(noEnv, []string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("err=%v, want pflag.ErrHelp", err)
	}
}

func TestInvalidICEConfigIsDeferred(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envTurnURLs: "turn:turn.example.com"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error")
	}
}

func TestConfigFileLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yamlDoc := `
listenAddr: 0.0.0.0:4000
mode: prod
maxConnections: 20
allowedOrigins:
  - https://app.example.com
signaling:
  pingInterval: 10s
  trackPairings: true
ice:
  stunURLs:
    - stun:stun.example.com:3478
verify:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := lookupMap(map[string]string{envVarMaxConnections: "30"})
	cfg, err := load(env, []string{"--config", path, "--listen-addr", "127.0.0.1:5000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigFile != path {
		t.Fatalf("ConfigFile=%q, want %q", cfg.ConfigFile, path)
	}
	if cfg.ListenAddr != "127.0.0.1:5000" {
		t.Fatalf("ListenAddr=%q, flag should beat file", cfg.ListenAddr)
	}
	if cfg.MaxConnections != 30 {
		t.Fatalf("MaxConnections=%d, env should beat file", cfg.MaxConnections)
	}
	if cfg.Mode != ModeProd || cfg.SignalingWSPingInterval != 10*time.Second || !cfg.TrackPairings {
		t.Fatalf("file values not applied: mode=%q ping=%v track=%v", cfg.Mode, cfg.SignalingWSPingInterval, cfg.TrackPairings)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
	if cfg.VerifyEnabled || cfg.VerifyTokenSecret != "" {
		t.Fatalf("verify should be disabled without a generated secret")
	}
}

func TestConfigFileRejectsUnknownKeys(t *testing.T) {
	if _, err := parseFileConfig([]byte("listenAdr: :3000\n")); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	if _, err := parseFileConfig(nil); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}
