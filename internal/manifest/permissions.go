package manifest

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// Permission is a capability string a tool declares in its manifest
type Permission string

const (
	PermWindowShow      Permission = "window.show"
	PermWindowHide      Permission = "window.hide"
	PermWindowSetBounds Permission = "window.setBounds"
	PermWindowSetTitle  Permission = "window.setTitle"
	PermWindowMinimize  Permission = "window.minimize"
	PermWindowMaximize  Permission = "window.maximize"
	PermWindowClose     Permission = "window.close"

	PermShellExec         Permission = "shell.exec"
	PermShellPython       Permission = "shell.python"
	PermShellOpenExternal Permission = "shell.openExternal"

	PermFSRead  Permission = "fs.read"
	PermFSWrite Permission = "fs.write"
	PermFSList  Permission = "fs.list"
	PermFSStat  Permission = "fs.stat"

	PermStorageGet    Permission = "storage.get"
	PermStorageSet    Permission = "storage.set"
	PermStorageDelete Permission = "storage.delete"

	PermPythonInstall Permission = "python.install"
	PermPythonRun     Permission = "python.run"
	PermPythonInspect Permission = "python.inspect"

	PermBackendRegister Permission = "backend.register"
	PermBackendMessage  Permission = "backend.message"

	PermTelemetrySend Permission = "telemetry.send"
)

var knownPermissions = mapset.NewSet(
	PermWindowShow, PermWindowHide, PermWindowSetBounds, PermWindowSetTitle,
	PermWindowMinimize, PermWindowMaximize, PermWindowClose,
	PermShellExec, PermShellPython, PermShellOpenExternal,
	PermFSRead, PermFSWrite, PermFSList, PermFSStat,
	PermStorageGet, PermStorageSet, PermStorageDelete,
	PermPythonInstall, PermPythonRun, PermPythonInspect,
	PermBackendRegister, PermBackendMessage,
	PermTelemetrySend,
)

// IsKnownPermission reports whether p is a permission the host understands
func IsKnownPermission(p Permission) bool {
	return knownPermissions.Contains(p)
}

// PermissionGrant is the set of capabilities granted to an installed tool.
// A grant is built once from the manifest and never modified afterwards.
type PermissionGrant struct {
	set mapset.Set[Permission]
}

// NewPermissionGrant creates a grant holding perms
func NewPermissionGrant(perms ...Permission) PermissionGrant {
	return PermissionGrant{set: mapset.NewSet(perms...)}
}

// Has reports whether p is granted
func (g PermissionGrant) Has(p Permission) bool {
	return g.set != nil && g.set.Contains(p)
}

// Covers reports whether every permission in required is granted.
// An empty requirement is always covered.
func (g PermissionGrant) Covers(required []Permission) bool {
	return len(g.Missing(required)) == 0
}

// Missing returns the permissions in required that are not granted, sorted
func (g PermissionGrant) Missing(required []Permission) []Permission {
	var missing []Permission
	for _, p := range required {
		if !g.Has(p) {
			missing = append(missing, p)
		}
	}
	slices.Sort(missing)
	return slices.Compact(missing)
}

// List returns the granted permissions, sorted
func (g PermissionGrant) List() []Permission {
	if g.set == nil {
		return nil
	}
	perms := g.set.ToSlice()
	slices.Sort(perms)
	return perms
}
