package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// ArtifactsConfig defines where run directories and reports live.
type ArtifactsConfig struct {
	RunRoot      string   `hcl:"run_root,optional"`      // relative to the working directory
	FallbackDirs []string `hcl:"fallback_dirs,optional"` // extra report search dirs
	CacheTTL     int      `hcl:"cache_ttl,optional"`     // seconds
}

// Defaults fills in default values for unset fields
func (a *ArtifactsConfig) Defaults() {
	if a.RunRoot == "" {
		a.RunRoot = "nexus_run"
	}
	if a.FallbackDirs == nil {
		a.FallbackDirs = []string{filepath.Join("midscene_run", "report")}
	}
	if a.CacheTTL <= 0 {
		a.CacheTTL = 3600
	}
}

func (a *ArtifactsConfig) Validate() error {
	if filepath.IsAbs(a.RunRoot) {
		return fmt.Errorf("run_root must be relative to the working directory")
	}
	return nil
}

// ReportDir is the shared report directory under the run root.
func (a *ArtifactsConfig) ReportDir() string {
	return filepath.Join(a.RunRoot, "report")
}

func (a *ArtifactsConfig) CacheDuration() time.Duration {
	return time.Duration(a.CacheTTL) * time.Second
}
