//go:build !windows

package platform

// isElevated is only meaningful on Windows; Unix checks the effective uid.
func isElevated() bool {
	return false
}
