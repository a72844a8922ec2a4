package config

import "fmt"

// StorageConfig configures where task records, yaml maps, messages and
// users are persisted.
type StorageConfig struct {
	Backend string `hcl:"backend,optional"` // "memory", "sqlite" or "postgres"
	Path    string `hcl:"path,optional"`    // SQLite file path (default: ".nexus/store.db")
	DSN     string `hcl:"dsn,optional"`     // Postgres connection string
}

// Defaults fills in default values for unset fields
func (s *StorageConfig) Defaults() {
	if s.Backend == "" {
		s.Backend = "memory"
	}
	if s.Path == "" {
		s.Path = ".nexus/store.db"
	}
}

// Validate checks the backend name and its required settings.
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case "memory", "sqlite":
		return nil
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("storage: postgres backend requires 'dsn'")
		}
		return nil
	default:
		return fmt.Errorf("storage: unknown backend '%s' (expected 'memory', 'sqlite' or 'postgres')", s.Backend)
	}
}
