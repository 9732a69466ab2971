package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file schema. Durations use Go syntax
// ("20s"). Unset fields leave the lower-precedence default in place.
type fileConfig struct {
	ListenAddr      string   `yaml:"listenAddr"`
	Mode            string   `yaml:"mode"`
	LogFormat       string   `yaml:"logFormat"`
	LogLevel        string   `yaml:"logLevel"`
	ShutdownTimeout string   `yaml:"shutdownTimeout"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`
	MaxConnections  *int     `yaml:"maxConnections"`

	Signaling struct {
		IdleTimeout          string `yaml:"idleTimeout"`
		PingInterval         string `yaml:"pingInterval"`
		MaxMessageBytes      *int64 `yaml:"maxMessageBytes"`
		MaxMessagesPerSecond *int   `yaml:"maxMessagesPerSecond"`
		SendQueueDepth       *int   `yaml:"sendQueueDepth"`
		TrackPairings        *bool  `yaml:"trackPairings"`
	} `yaml:"signaling"`

	ICE struct {
		ServersJSON    string   `yaml:"serversJSON"`
		StunURLs       []string `yaml:"stunURLs"`
		TurnURLs       []string `yaml:"turnURLs"`
		TurnUsername   string   `yaml:"turnUsername"`
		TurnCredential string   `yaml:"turnCredential"`
	} `yaml:"ice"`

	Verify struct {
		Enabled     *bool  `yaml:"enabled"`
		TokenSecret string `yaml:"tokenSecret"`
		TokenTTL    string `yaml:"tokenTTL"`
	} `yaml:"verify"`
}

func readFileConfig(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	return parseFileConfig(raw)
}

func parseFileConfig(raw []byte) (fileConfig, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, fmt.Errorf("parse config file: %w", err)
	}
	return fc, nil
}

// asEnv flattens the file into the env var names it stands in for, so the
// file slots into the same parsing path as the environment.
func (fc fileConfig) asEnv() map[string]string {
	out := make(map[string]string)
	set := func(key, v string) {
		if strings.TrimSpace(v) != "" {
			out[key] = v
		}
	}

	set(envVarListenAddr, fc.ListenAddr)
	set(envVarMode, fc.Mode)
	set(envVarLogFormat, fc.LogFormat)
	set(envVarLogLevel, fc.LogLevel)
	set(envVarShutdownTimeout, fc.ShutdownTimeout)
	set(envVarAllowedOrigins, strings.Join(fc.AllowedOrigins, ","))
	if fc.MaxConnections != nil {
		out[envVarMaxConnections] = strconv.Itoa(*fc.MaxConnections)
	}

	s := fc.Signaling
	set(envVarSignalingWSIdleTimeout, s.IdleTimeout)
	set(envVarSignalingWSPingInterval, s.PingInterval)
	if s.MaxMessageBytes != nil {
		out[envVarMaxSignalingMessageBytes] = strconv.FormatInt(*s.MaxMessageBytes, 10)
	}
	if s.MaxMessagesPerSecond != nil {
		out[envVarMaxSignalingMessagesPerSecond] = strconv.Itoa(*s.MaxMessagesPerSecond)
	}
	if s.SendQueueDepth != nil {
		out[envVarSignalingSendQueueDepth] = strconv.Itoa(*s.SendQueueDepth)
	}
	if s.TrackPairings != nil {
		out[envVarTrackPairings] = strconv.FormatBool(*s.TrackPairings)
	}

	set(envICEServersJSON, fc.ICE.ServersJSON)
	set(envStunURLs, strings.Join(fc.ICE.StunURLs, ","))
	set(envTurnURLs, strings.Join(fc.ICE.TurnURLs, ","))
	set(envTurnUsername, fc.ICE.TurnUsername)
	set(envTurnCredential, fc.ICE.TurnCredential)

	if fc.Verify.Enabled != nil {
		out[envVarVerifyEnabled] = strconv.FormatBool(*fc.Verify.Enabled)
	}
	set(envVarVerifyTokenSecret, fc.Verify.TokenSecret)
	set(envVarVerifyTokenTTL, fc.Verify.TokenTTL)
	return out
}
