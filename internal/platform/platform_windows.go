//go:build windows

package platform

import (
	"golang.org/x/sys/windows"
)

// isElevated reports whether the process token belongs to the built-in
// Administrators group, which selects the system-wide ProgramData paths.
func isElevated() bool {
	var admins *windows.SID
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&admins)
	if err != nil {
		return false
	}
	defer windows.FreeSid(admins)

	member, err := windows.GetCurrentProcessToken().IsMember(admins)
	return err == nil && member
}
