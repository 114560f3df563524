package domain

type Role string

const (
	RoleSubscriber Role = "subscriber"
	RoleUsher      Role = "usher"
	RoleManager    Role = "manager"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleSubscriber, RoleUsher, RoleManager:
		return Role(s), true
	default:
		return "", false
	}
}

// WorkerRoleFromFlag maps the wire-level role flag ("0" usher, "1" manager)
// to a worker role.
func WorkerRoleFromFlag(flag string) (Role, bool) {
	switch flag {
	case "0":
		return RoleUsher, true
	case "1":
		return RoleManager, true
	default:
		return "", false
	}
}

// Flag is the inverse of WorkerRoleFromFlag, used when formatting replies
// and when matching the worker row's type column.
func (r Role) Flag() string {
	switch r {
	case RoleManager:
		return "1"
	default:
		return "0"
	}
}

func (r Role) IsWorker() bool {
	return r == RoleUsher || r == RoleManager
}
