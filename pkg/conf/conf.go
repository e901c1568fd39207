package conf

import (
	"os"
	"path/filepath"
)

const homeEnvVar = "EVSSH_HOME"

func ensurePath(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// ssh clients complain about known_hosts under permissive directories
		if err = os.MkdirAll(path, 0700); err != nil {
			return err
		}
	}
	return nil
}

// GetHome returns the directory holding configuration, created on demand
func GetHome() string {
	home := os.Getenv(homeEnvVar)
	if home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err == nil {
		home = filepath.Join(userHome, ".evssh")
		if err = ensurePath(home); err == nil {
			return home
		}
	}
	if home, err = os.Getwd(); err != nil {
		home = "."
	}
	return home
}

// KnownHostsFiles returns the known_hosts files consulted when none are
// configured, the first one being the file new keys are added to
func KnownHostsFiles() []string {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return []string{filepath.Join(GetHome(), "known_hosts")}
	}
	return []string{
		filepath.Join(userHome, ".ssh", "known_hosts"),
		filepath.Join(userHome, ".ssh", "known_hosts2"),
	}
}
