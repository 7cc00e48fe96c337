package auth

// Permission is one of the three ordered access levels. admin implies
// writer and reader; writer implies reader.
type Permission string

const (
	PermissionReader Permission = "reader"
	PermissionWriter Permission = "writer"
	PermissionAdmin  Permission = "admin"
)

var permissionRank = map[Permission]int{
	PermissionReader: 1,
	PermissionWriter: 2,
	PermissionAdmin:  3,
}

// Satisfies reports whether holding p grants the access represented by
// required (e.g. admin satisfies a writer or reader requirement).
func (p Permission) Satisfies(required Permission) bool {
	return permissionRank[p] >= permissionRank[required]
}

// legacyRoleMapping backward-compatibility: a single configured legacy
// role name grants both writer and reader.
const legacyMapsTo = PermissionWriter

// PermissionsForRoles reduces a normalized role set to the highest
// permission it grants, given the configured admin/writer/reader role
// names and an optional legacy role.
func PermissionsForRoles(roles map[string]struct{}, cfg RoleMapping) (Permission, bool) {
	if _, ok := roles[cfg.AdminRole]; ok && cfg.AdminRole != "" {
		return PermissionAdmin, true
	}
	if _, ok := roles[cfg.WriterRole]; ok && cfg.WriterRole != "" {
		return PermissionWriter, true
	}
	if _, ok := roles[cfg.ReaderRole]; ok && cfg.ReaderRole != "" {
		return PermissionReader, true
	}
	if cfg.LegacyRole != "" {
		if _, ok := roles[cfg.LegacyRole]; ok {
			return legacyMapsTo, true
		}
	}
	return "", false
}

// RoleMapping configures which normalized role names map to which
// permission, plus one legacy role kept for backward compatibility.
type RoleMapping struct {
	AdminRole  string
	WriterRole string
	ReaderRole string
	LegacyRole string
}
