// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the warden daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - WARDEN_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment variables
// do not override file values. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// The loaded Config is treated as immutable by the engine. The few
// operations that change configuration at runtime (gating a room for
// verification via migrate-verification) build a new value and persist
// it with Save.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for warden.
type Config struct {
	// Homeserver is the base URL of the Matrix homeserver, e.g.
	// "https://matrix.example.org".
	Homeserver string `yaml:"homeserver"`

	// UserID is the full Matrix ID of the moderation account, e.g.
	// "@warden:example.org".
	UserID string `yaml:"user_id"`

	// ParentRoom is the space room whose m.space.child events define
	// the moderated topology. Room ID or alias.
	ParentRoom string `yaml:"parent_room"`

	// Admins are glob patterns over user IDs that are exempt from
	// content flagging and may drive the control socket's privileged
	// actions, e.g. "@*:example.org" or "@alice:example.org".
	Admins []string `yaml:"admins"`

	// Banlists are the policy list rooms consulted by ban evaluation,
	// in priority order. Room IDs or aliases.
	Banlists []string `yaml:"banlists"`

	// RequestDelayMS is the pause between successive Matrix requests
	// during fan-out operations, in milliseconds.
	RequestDelayMS int `yaml:"request_delay_ms"`

	// RedactOnBan enqueues redaction of a banned user's recent
	// messages in every room the ban is applied to.
	RedactOnBan bool `yaml:"redact_on_ban"`

	// StatePath is the SQLite database file holding the activity
	// ledger, redaction queue, and verification states.
	StatePath string `yaml:"state_path"`

	// SocketPath is the Unix socket for the admin control protocol.
	SocketPath string `yaml:"socket_path"`

	Activity     ActivityConfig     `yaml:"activity"`
	Verification VerificationConfig `yaml:"verification"`
	Redaction    RedactionConfig    `yaml:"redaction"`
	Flagging     FlaggingConfig     `yaml:"flagging"`
}

// ActivityConfig configures the activity ledger.
type ActivityConfig struct {
	// TrackMessages records m.room.message timeline events in the
	// ledger.
	TrackMessages bool `yaml:"track_messages"`

	// TrackReactions records m.reaction timeline events in the ledger.
	TrackReactions bool `yaml:"track_reactions"`

	// WarnThresholdDays is the inactivity age at which a user appears
	// in the report's warn cohort.
	WarnThresholdDays int `yaml:"warn_threshold_days"`

	// KickThresholdDays is the inactivity age at which a user appears
	// in the kick cohort (and is removed by purge).
	KickThresholdDays int `yaml:"kick_threshold_days"`
}

// VerificationConfig configures the human-verification challenge flow.
type VerificationConfig struct {
	// Rooms are the verification-gated rooms. Joins below the room's
	// message-send level trigger a challenge.
	Rooms []string `yaml:"rooms"`

	// Phrases is the pool the challenge phrase is drawn from.
	Phrases []string `yaml:"phrases"`

	// Attempts is how many responses a user may send before the
	// challenge is abandoned.
	Attempts int `yaml:"attempts"`

	// NotifyRoom, when set, receives a notice whenever a user
	// exhausts their attempts. Room ID or alias.
	NotifyRoom string `yaml:"notify_room"`
}

// RedactionConfig configures the background redaction queue.
type RedactionConfig struct {
	// IntervalSeconds is the drain loop's wake interval.
	IntervalSeconds int `yaml:"interval_seconds"`

	// BacklogLimit bounds how many of a user's recent messages are
	// collected per room when enqueueing redactions.
	BacklogLimit int `yaml:"backlog_limit"`
}

// FlaggingConfig configures synchronous content flagging.
type FlaggingConfig struct {
	// AllRooms applies flagging to every room in the topology. When
	// false, only Rooms are in scope.
	AllRooms bool `yaml:"all_rooms"`

	// Rooms are the rooms in flagging scope when AllRooms is false.
	Rooms []string `yaml:"rooms"`

	// MediaTypes are msgtype values redacted on sight, e.g.
	// "m.image", "m.video".
	MediaTypes []string `yaml:"media_types"`

	// Patterns are regular expressions over message bodies that
	// trigger redaction of the single event.
	Patterns []string `yaml:"patterns"`

	// BanPatterns are regular expressions that additionally trigger
	// an immediate cross-room ban of the sender.
	BanPatterns []string `yaml:"ban_patterns"`

	// ExemptLevel is the power level at or above which senders are
	// never flagged. Admins are always exempt.
	ExemptLevel int `yaml:"exempt_level"`
}

// Default returns the default configuration. These defaults ensure all
// fields have sensible zero-values before the config file is loaded;
// the file itself is required.
func Default() *Config {
	return &Config{
		RequestDelayMS: 500,
		RedactOnBan:    false,
		StatePath:      "/var/lib/warden/warden.db",
		SocketPath:     "/run/warden/warden.sock",
		Activity: ActivityConfig{
			TrackMessages:     true,
			TrackReactions:    true,
			WarnThresholdDays: 30,
			KickThresholdDays: 60,
		},
		Verification: VerificationConfig{
			Attempts: 3,
		},
		Redaction: RedactionConfig{
			IntervalSeconds: 30,
			BacklogLimit:    50,
		},
		Flagging: FlaggingConfig{
			ExemptLevel: 50,
		},
	}
}

// Load loads configuration from the WARDEN_CONFIG environment variable.
// There are no fallbacks: if WARDEN_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("WARDEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WARDEN_CONFIG environment variable not set; " +
			"set it to the path of your warden.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration back to path. Used by the runtime
// operations that change configuration (migrate-verification adds the
// target room to verification.rooms).
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	// Write-then-rename so a crash mid-write never truncates the
	// only copy of the configuration.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver == "" {
		errs = append(errs, fmt.Errorf("homeserver is required"))
	}
	if c.UserID == "" {
		errs = append(errs, fmt.Errorf("user_id is required"))
	}
	if c.ParentRoom == "" {
		errs = append(errs, fmt.Errorf("parent_room is required"))
	}
	if c.StatePath == "" {
		errs = append(errs, fmt.Errorf("state_path is required"))
	}
	if c.RequestDelayMS < 0 {
		errs = append(errs, fmt.Errorf("request_delay_ms must not be negative"))
	}

	if c.Activity.WarnThresholdDays <= 0 {
		errs = append(errs, fmt.Errorf("activity.warn_threshold_days must be positive"))
	}
	if c.Activity.KickThresholdDays < c.Activity.WarnThresholdDays {
		errs = append(errs, fmt.Errorf("activity.kick_threshold_days must be >= warn_threshold_days"))
	}

	if c.Verification.Attempts < 1 {
		errs = append(errs, fmt.Errorf("verification.attempts must be at least 1"))
	}
	if len(c.Verification.Rooms) > 0 && len(c.Verification.Phrases) == 0 {
		errs = append(errs, fmt.Errorf("verification.phrases is required when verification.rooms is set"))
	}

	if c.Redaction.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("redaction.interval_seconds must be positive"))
	}
	if c.Redaction.BacklogLimit <= 0 {
		errs = append(errs, fmt.Errorf("redaction.backlog_limit must be positive"))
	}

	// Patterns must compile; a malformed pattern discovered at flag
	// time would silently disable enforcement.
	for _, pattern := range c.Flagging.Patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("flagging.patterns %q: %w", pattern, err))
		}
	}
	for _, pattern := range c.Flagging.BanPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("flagging.ban_patterns %q: %w", pattern, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// GatedForVerification reports whether room (ID or alias, compared
// literally) is in the verification-gated set.
func (c *Config) GatedForVerification(room string) bool {
	for _, gated := range c.Verification.Rooms {
		if gated == room {
			return true
		}
	}
	return false
}
