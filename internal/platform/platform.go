// Package platform resolves OS-dependent locations for syncd.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
)

// OS returns the current operating system (linux, darwin or windows)
func OS() string {
	return runtime.GOOS
}

// IsLinux returns true if running on Linux
func IsLinux() bool {
	return runtime.GOOS == "linux"
}

// IsDarwin returns true if running on macOS
func IsDarwin() bool {
	return runtime.GOOS == "darwin"
}

// IsWindows returns true if running on Windows
func IsWindows() bool {
	return runtime.GOOS == "windows"
}

// IsRoot checks if the current user has root/admin privileges
func IsRoot() bool {
	if IsLinux() || IsDarwin() {
		return os.Geteuid() == 0
	}
	if IsWindows() {
		return isElevated()
	}
	return false
}

// ConfigDir returns the directory holding syncd.yaml.
// Uses system-wide paths when running as root, user-local paths otherwise.
func ConfigDir() string {
	// If not running as root/admin, use user-local config
	if !IsRoot() {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, ".syncd")
		}
	}

	// System-wide paths for root/admin
	if IsLinux() {
		return "/etc/syncd"
	}
	if IsDarwin() {
		// On macOS, use /usr/local/etc for consistency with Homebrew conventions
		return "/usr/local/etc/syncd"
	}
	// Windows: Use ProgramData for system-wide config
	return `C:\ProgramData\Syncd`
}

// DataDir returns the directory holding the ledger and downloaded files.
func DataDir() string {
	if !IsRoot() {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, ".syncd", "data")
		}
	}

	if IsLinux() {
		return "/var/lib/syncd"
	}
	if IsDarwin() {
		return "/usr/local/var/syncd"
	}
	return `C:\ProgramData\Syncd\data`
}
