package participant

import "time"

// Role distinguishes the two registries.
type Role string

const (
	RoleDesigner Role = "designer"
	RoleVendor   Role = "vendor"
)

// Participant is a registered designer or vendor identity. The record carries
// no state beyond its existence.
type Participant struct {
	ID        string
	Role      Role
	CreatedAt time.Time
}
