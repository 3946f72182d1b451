package roles

type Role string
type Permission string
type Action string

const (
	RoleStudent       Role = "student"
	RoleTeacher       Role = "teacher"
	RoleSchoolAdmin   Role = "school_admin"
	RolePlatformAdmin Role = "platform_admin"
)

// Share-permission levels granted to individual collaborators.
const (
	PermissionView    Permission = "view"
	PermissionComment Permission = "comment"
	PermissionEdit    Permission = "edit"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
)

func Can(permission Permission, action Action) bool {
	switch permission {
	case PermissionEdit:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	case PermissionComment:
		return action == ActionRead || action == ActionComment
	case PermissionView:
		return action == ActionRead
	default:
		return false
	}
}

// CanPublish reports whether a role may set a document's visibility to public.
func CanPublish(role Role) bool {
	return role == RoleTeacher || role == RoleSchoolAdmin || role == RolePlatformAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleTeacher, RoleSchoolAdmin, RolePlatformAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}

func NormalizePermission(permission string) Permission {
	switch Permission(permission) {
	case PermissionView, PermissionComment, PermissionEdit:
		return Permission(permission)
	default:
		return PermissionView
	}
}
