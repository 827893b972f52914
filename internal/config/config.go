package config

// Config represents the full application configuration.
type Config struct {
	// ConfigDir is the root for all on-disk state: store.db,
	// worktrees/, repos/. Not read from the file; resolved from the
	// environment or its platform default.
	ConfigDir string `mapstructure:"-"`

	Server    ServerConfig              `mapstructure:"server"`
	Remote    RemoteConfig              `mapstructure:"remote"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Analysis  AnalysisConfig            `mapstructure:"analysis"`
	UI        UIConfig                  `mapstructure:"ui"`
	// Monorepo maps "owner/repo" onto an absolute local path,
	// overriding repository discovery.
	Monorepo map[string]string `mapstructure:"monorepo"`
	Councils map[string]CouncilPreset `mapstructure:"councils"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RemoteConfig configures the VCS host connection.
type RemoteConfig struct {
	// Token authenticates against the remote host. Required for PR
	// sessions; local sessions work without it.
	Token string `mapstructure:"token"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"apiKey"`
}

// AnalysisConfig tunes the scheduler.
type AnalysisConfig struct {
	// PreferredTier is the default prompt tier for ad-hoc voices.
	PreferredTier string `mapstructure:"preferredTier"`
	// MaxConcurrent bounds simultaneous LLM calls per run; zero keeps
	// the per-provider default.
	MaxConcurrent int `mapstructure:"maxConcurrent"`
	// TaskTimeout and RunTimeout are Go duration strings.
	TaskTimeout string `mapstructure:"taskTimeout"`
	RunTimeout  string `mapstructure:"runTimeout"`
}

// UIConfig carries presentation settings the server stores on behalf
// of the browser UI.
type UIConfig struct {
	Theme string `mapstructure:"theme"`
}

// CouncilPreset is a named council configuration referenced by id in
// analysis requests. Exactly one of Voices (voice-centric) and Levels
// (level-centric advanced form) is populated; Type records which.
type CouncilPreset struct {
	Type   string         `mapstructure:"type"` // "council" or "advanced"
	Config map[string]any `mapstructure:"config"`
}
