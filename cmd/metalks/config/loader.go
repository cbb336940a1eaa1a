// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvBaseURL     = "METALKS_BASE_URL"
	EnvAccessToken = "METALKS_ACCESS_TOKEN"
	EnvLogLevel    = "METALKS_LOG_LEVEL"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.metalks/metalks.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".metalks", "metalks.yaml"), nil
}

// Load reads the config at path, creating it with defaults if absent.
//
// # Description
//
// An empty path selects DefaultPath. On first run the default config is
// written and a notice is printed to notice (which may be nil). Keys
// missing from the file keep their default values. Environment overrides
// are applied after parsing, then the result is validated.
//
// # Outputs
//
//   - MetalksConfig: The effective configuration.
//   - error: Read, parse or validation failure.
func Load(path string, notice io.Writer) (MetalksConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return MetalksConfig{}, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if notice != nil {
			fmt.Fprintf(notice, "First run detected, creating the config at %s\n", path)
		}
		if err := createDefault(path); err != nil {
			return MetalksConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return MetalksConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies env overrides and
// validates.
func Parse(data []byte) (MetalksConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MetalksConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return MetalksConfig{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func Validate(cfg MetalksConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *MetalksConfig) {
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv(EnvAccessToken); v != "" {
		cfg.Server.AccessToken = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	// The file may later hold an access token.
	return os.WriteFile(path, data, 0o600)
}
