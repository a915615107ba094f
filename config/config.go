// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package config decodes the daemon's YAML configuration file and
// applies environment-variable overrides, layering config file then
// environment the way this codebase's other agent-style daemons do,
// trimmed to a single struct since this daemon has no
// pubsub-distributed config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is every tunable domaind needs at startup. Zero values are
// filled in by Default before a YAML file is decoded on top, so a
// partial file only overrides the fields it names.
type Config struct {
	// StateDir is the persistent-state root enginestore.NewFileStore
	// writes VmExtra records under.
	StateDir string `yaml:"state_dir"`
	// BuilderHelperPath is the binary builder.NewHelper execs.
	BuilderHelperPath string `yaml:"builder_helper_path"`
	// StorageSocket is the Unix socket storage.NewSocketDaemon dials.
	StorageSocket string `yaml:"storage_socket"`
	// BrokerSocket is the Unix socket membroker.NewSocketTransport
	// dials.
	BrokerSocket string `yaml:"broker_socket"`
	// ControlSocket is decoded and overridable but not used:
	// xenstore.NewClient takes no socket path and opens libxenstore's
	// default connection.
	ControlSocket string `yaml:"control_socket"`

	// DyingPollPeriod and DyingWallBudget feed engine.Config's
	// destroy-path polling; DyingPollPeriod was left an open question
	// in the distilled spec and is made configurable here.
	DyingPollPeriod time.Duration `yaml:"dying_poll_period"`
	DyingWallBudget time.Duration `yaml:"dying_wall_budget"`

	AckTimeout                time.Duration `yaml:"ack_timeout"`
	SuspendShutdownAckTimeout time.Duration `yaml:"suspend_shutdown_ack_timeout"`
	SuspendWaitTimeout        time.Duration `yaml:"suspend_wait_timeout"`

	// RPCListenAddr is the address rpc.Server's HTTP listener binds.
	RPCListenAddr string `yaml:"rpc_listen_addr"`

	// LogLevel is decoded and overridable but not applied: the daemon
	// logs at info level (JSON) unless LogDebug is true, which the CLI
	// -debug flag sets and which selects trace level (text).
	LogLevel string `yaml:"log_level"`
	LogDebug bool   `yaml:"-"`
}

// Default returns the daemon's built-in configuration, matching
// engine.DefaultConfig's timeouts plus the socket/directory layout a
// standalone install uses when no YAML file overrides it.
func Default() Config {
	return Config{
		StateDir:                  "/var/lib/domaind",
		BuilderHelperPath:         "/usr/libexec/domaind/builder-helper",
		StorageSocket:             "/run/domaind/storage.sock",
		BrokerSocket:              "/run/domaind/membroker.sock",
		ControlSocket:             "/run/domaind/xenstore.sock",
		DyingPollPeriod:           5 * time.Second,
		DyingWallBudget:           30 * time.Second,
		AckTimeout:                10 * time.Second,
		SuspendShutdownAckTimeout: 30 * time.Second,
		SuspendWaitTimeout:        20 * time.Minute,
		RPCListenAddr:             "127.0.0.1:8925",
		LogLevel:                  "info",
	}
}

// Load starts from Default, decodes path over it if path is non-empty,
// then applies DOMAIND_-prefixed environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.StateDir, "DOMAIND_STATE_DIR")
	overrideString(&cfg.BuilderHelperPath, "DOMAIND_BUILDER_HELPER_PATH")
	overrideString(&cfg.StorageSocket, "DOMAIND_STORAGE_SOCKET")
	overrideString(&cfg.BrokerSocket, "DOMAIND_BROKER_SOCKET")
	overrideString(&cfg.ControlSocket, "DOMAIND_CONTROL_SOCKET")
	overrideString(&cfg.RPCListenAddr, "DOMAIND_RPC_LISTEN_ADDR")
	overrideString(&cfg.LogLevel, "DOMAIND_LOG_LEVEL")
	overrideDuration(&cfg.DyingPollPeriod, "DOMAIND_DYING_POLL_PERIOD")
	overrideDuration(&cfg.DyingWallBudget, "DOMAIND_DYING_WALL_BUDGET")
	overrideDuration(&cfg.AckTimeout, "DOMAIND_ACK_TIMEOUT")
	overrideDuration(&cfg.SuspendShutdownAckTimeout, "DOMAIND_SUSPEND_SHUTDOWN_ACK_TIMEOUT")
	overrideDuration(&cfg.SuspendWaitTimeout, "DOMAIND_SUSPEND_WAIT_TIMEOUT")
}

func overrideString(dst *string, envVar string) {
	if v, ok := os.LookupEnv(envVar); ok && v != "" {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, envVar string) {
	v, ok := os.LookupEnv(envVar)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	*dst = d
}
