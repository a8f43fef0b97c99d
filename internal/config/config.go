// Package config loads the composition root's environment overrides
// and the YAML agent dictionary it pre-registers agents from at
// startup. The review rules file itself is owned by
// internal/orchestration/scheduler (it already governs auto-proceed
// decisions and is loaded from the same path), so this package does
// not duplicate that shape.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime holds the composition root's environment-derived tunables,
// read from <PREFIX>_INSTALL_DIR, <PREFIX>_REVIEW_DEFAULT, and
// <PREFIX>_STALE_TIMEOUT_SEC.
type Runtime struct {
	InstallDir    string
	ReviewDefault string
	StaleTimeout  time.Duration
}

// LoadRuntime reads environment overrides for prefix (e.g. "SQUAD"),
// falling back to the given defaults when a variable is unset or
// malformed.
func LoadRuntime(prefix string, defaultInstallDir, defaultReviewAction string, defaultStaleTimeout time.Duration) Runtime {
	rt := Runtime{
		InstallDir:    defaultInstallDir,
		ReviewDefault: defaultReviewAction,
		StaleTimeout:  defaultStaleTimeout,
	}

	if v := os.Getenv(prefix + "_INSTALL_DIR"); v != "" {
		rt.InstallDir = v
	}
	if v := os.Getenv(prefix + "_REVIEW_DEFAULT"); v != "" {
		rt.ReviewDefault = v
	}
	if v := os.Getenv(prefix + "_STALE_TIMEOUT_SEC"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			rt.StaleTimeout = time.Duration(secs) * time.Second
		}
	}

	return rt
}

// AgentPreset names a program/model pairing the composition root can
// pre-register agents from at startup, the way the teacher's
// configs/teams.yaml seeds a fixed roster before any agent connects.
type AgentPreset struct {
	Name    string `yaml:"name"`
	Program string `yaml:"program"`
	Model   string `yaml:"model"`
}

// AgentDictionary is the YAML-shaped config listing the presets the
// composition root pre-registers.
type AgentDictionary struct {
	Agents []AgentPreset `yaml:"agents"`
}

// LoadAgentDictionary reads a YAML agent dictionary from path.
func LoadAgentDictionary(path string) (*AgentDictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dict AgentDictionary
	if err := yaml.Unmarshal(data, &dict); err != nil {
		return nil, err
	}
	return &dict, nil
}
