package domain

// Role is the resolved role of a caller. Authentication happens upstream;
// the core only sees the resulting role and actor id.
type Role string

const (
	RoleDispatcher Role = "DISPATCHER"
	RoleEngineer   Role = "ENGINEER"
	RoleManager    Role = "MANAGER"
	RoleAdmin      Role = "ADMIN"
	RoleSystem     Role = "SYSTEM"
)

// Actor is the identity an event is submitted under. ActorID may be empty
// for non-engineer roles.
type Actor struct {
	Role    Role
	ActorID string
}
