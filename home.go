package mcpcage

import (
	"os"
	"path/filepath"
)

// Home returns the mcpcage home directory.
// It defaults to ~/.mcpcage but can be overridden with the MCPCAGE_HOME environment variable.
func Home() string {
	if v := os.Getenv("MCPCAGE_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mcpcage")
}

// DefaultSettingsPath returns the settings file consulted when none is given
// (~/.mcpcage/settings.yaml). MCPCAGE_SETTINGS overrides it.
func DefaultSettingsPath() string {
	if v := os.Getenv("MCPCAGE_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(Home(), "settings.yaml")
}

// ProxyContextPath returns the proxy image build context under home.
func ProxyContextPath(home string) string {
	return filepath.Join(home, "proxy")
}
