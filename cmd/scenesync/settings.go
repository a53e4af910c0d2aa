package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// UserSettings holds persistable user preferences
type UserSettings struct {
	RelayURL string `json:"relayUrl"`
	Room     string `json:"room"`
	Avatar   string `json:"avatar"`
	FPS      int    `json:"fps"`
}

// SettingsManager handles loading and saving user settings
type SettingsManager struct {
	path     string
	settings UserSettings
}

// NewSettingsManager creates a settings manager with the default config path
func NewSettingsManager() (*SettingsManager, error) {
	path, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return &SettingsManager{path: path}, nil
}

// getConfigPath returns the config file path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS user config dir.
func getConfigPath() (string, error) {
	var configDir string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "scenesync")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "scenesync")
	}

	return filepath.Join(configDir, "config.json"), nil
}

// DefaultSettings returns the default settings
func DefaultSettings() UserSettings {
	return UserSettings{
		RelayURL: DefaultRelayServer,
		Avatar:   "assets/avatar.glb",
		FPS:      30,
	}
}

// Load reads settings from the config file.
// Returns default settings if file doesn't exist or is invalid.
func (sm *SettingsManager) Load() (UserSettings, error) {
	sm.settings = DefaultSettings()

	data, err := os.ReadFile(sm.path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist - use defaults, not an error
			return sm.settings, nil
		}
		return sm.settings, err
	}

	// Parse JSON, keeping defaults for missing fields
	if err := json.Unmarshal(data, &sm.settings); err != nil {
		// Invalid JSON - use defaults
		return DefaultSettings(), nil
	}

	if sm.settings.FPS <= 0 {
		sm.settings.FPS = DefaultSettings().FPS
	}
	if sm.settings.RelayURL == "" {
		sm.settings.RelayURL = DefaultRelayServer
	}

	return sm.settings, nil
}

// Save writes current settings to the config file
func (sm *SettingsManager) Save(settings UserSettings) error {
	sm.settings = settings

	// Ensure directory exists
	dir := filepath.Dir(sm.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Marshal with indentation for readability
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(sm.path, data, 0644)
}
