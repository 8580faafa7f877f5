package escrow

import "strings"

// Role is a bit set of the parts a caller plays on one transaction. A caller
// can hold several roles at once, e.g. an admin who is also the purchaser.
type Role uint8

const (
	RolePurchaser Role = 1 << iota
	RoleMerchant
	RoleAdmin
)

// RolesOf returns the roles caller holds on a transaction between purchaser
// and merchant, given the system admin. Identities compare case-insensitively.
func RolesOf(caller, purchaser, merchant, admin string) Role {
	caller = normalize(caller)
	if caller == "" {
		return 0
	}
	var r Role
	if caller == normalize(purchaser) {
		r |= RolePurchaser
	}
	if caller == normalize(merchant) {
		r |= RoleMerchant
	}
	if caller == normalize(admin) {
		r |= RoleAdmin
	}
	return r
}

// Authorize decides whether caller may perform action on a transaction
// between purchaser and merchant. It is independent of state and deadline.
func Authorize(action Action, caller, purchaser, merchant, admin string) bool {
	if int(action) >= len(transitions) {
		return false
	}
	return RolesOf(caller, purchaser, merchant, admin)&transitions[action].roles != 0
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
