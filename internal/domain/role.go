package domain

import "fmt"

// Role is a closed two-variant participant role. The initiator (the
// provider) creates offers; the responder answers.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return "unknown"
}

// CreatesOffers reports whether this role drives negotiation.
func (r Role) CreatesOffers() bool { return r == RoleInitiator }

func ParseRole(s string) (Role, error) {
	switch s {
	case "initiator":
		return RoleInitiator, nil
	case "responder":
		return RoleResponder, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}
