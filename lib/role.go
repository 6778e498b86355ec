package lib

// Role is the part a process plays in the context tree protocol.
type Role int

const (
	// RoleAuthority marks the process holding the canonical, always-live
	// copy of the context tree.
	RoleAuthority Role = iota
	// RoleContent marks a subscriber process holding a partial replica.
	RoleContent
)

// IsAuthority reports whether the process is the tree authority.
func (r Role) IsAuthority() bool { return r == RoleAuthority }

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "content"
}
