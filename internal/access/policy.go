// internal/access/policy.go
package access

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPolicyDenied is returned when the capability table refuses an operation.
var ErrPolicyDenied = errors.New("policy denied")

// Role is the caller's role as issued by the backend of record.
type Role int

const (
	RoleUnknown Role = iota
	RoleReader
	RoleStaff
	RoleAdministrator
)

var roleNames = map[Role]string{
	RoleReader:        "lector",
	RoleStaff:         "bibliotecario",
	RoleAdministrator: "administrativo",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseRole maps a wire role name to a Role. Unrecognized names yield RoleUnknown.
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	for role, name := range roleNames {
		if name == s {
			return role
		}
	}
	return RoleUnknown
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode to RoleUnknown.
func (r *Role) UnmarshalText(text []byte) error {
	*r = ParseRole(string(text))
	return nil
}

// Operation is a circulation capability a caller may request.
type Operation int

const (
	OpUnknown Operation = iota
	OpBrowseCatalog
	OpViewOwnCirculation
	OpCreateLoan
	OpProcessReturn
	OpManageInventory
	OpViewUsers
	OpExportUsers
	OpCreateReservation
	OpCancelReservation
	OpCompleteReservation
	OpManageReservations
	OpViewAllCirculation
)

var operationNames = map[Operation]string{
	OpBrowseCatalog:       "browse catalog",
	OpViewOwnCirculation:  "view own circulation",
	OpCreateLoan:          "create loan",
	OpProcessReturn:       "process return",
	OpManageInventory:     "manage inventory",
	OpViewUsers:           "view users",
	OpExportUsers:         "export users",
	OpCreateReservation:   "create reservation",
	OpCancelReservation:   "cancel reservation",
	OpCompleteReservation: "complete reservation",
	OpManageReservations:  "manage reservations",
	OpViewAllCirculation:  "view all circulation",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOperation maps an operation name to an Operation. Unrecognized names yield OpUnknown.
func ParseOperation(s string) Operation {
	s = strings.ToLower(strings.TrimSpace(s))
	for op, name := range operationNames {
		if name == s {
			return op
		}
	}
	return OpUnknown
}

// capabilities is the single source of truth for who may do what.
// Anything absent is denied.
var capabilities = map[Operation]map[Role]bool{
	OpBrowseCatalog:       {RoleReader: true, RoleStaff: true, RoleAdministrator: true},
	OpViewOwnCirculation:  {RoleReader: true, RoleStaff: true, RoleAdministrator: true},
	OpCreateLoan:          {RoleStaff: true, RoleAdministrator: true},
	OpProcessReturn:       {RoleStaff: true, RoleAdministrator: true},
	OpManageInventory:     {RoleStaff: true, RoleAdministrator: true},
	OpViewUsers:           {RoleAdministrator: true},
	OpExportUsers:         {RoleAdministrator: true},
	OpCreateReservation:   {RoleReader: true, RoleStaff: true, RoleAdministrator: true},
	OpCancelReservation:   {RoleReader: true, RoleStaff: true, RoleAdministrator: true},
	OpCompleteReservation: {RoleStaff: true, RoleAdministrator: true},
	OpManageReservations:  {RoleStaff: true, RoleAdministrator: true},
	OpViewAllCirculation:  {RoleStaff: true, RoleAdministrator: true},
}

// CanPerform reports whether role may invoke op.
func CanPerform(role Role, op Operation) bool {
	return capabilities[op][role]
}

// CanPerformNamed is CanPerform over wire names; it fails closed on unknown names.
func CanPerformNamed(role, op string) bool {
	return CanPerform(ParseRole(role), ParseOperation(op))
}

// Operations lists every operation role may invoke, in declaration order.
func Operations(role Role) []Operation {
	var ops []Operation
	for op := OpBrowseCatalog; op <= OpViewAllCirculation; op++ {
		if CanPerform(role, op) {
			ops = append(ops, op)
		}
	}
	return ops
}

// Actor is an authenticated caller.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"rol"`
}

// Authorize returns an error wrapping ErrPolicyDenied unless the actor may invoke op.
func Authorize(actor Actor, op Operation) error {
	if !CanPerform(actor.Role, op) {
		return fmt.Errorf("%w: role %s may not %s", ErrPolicyDenied, actor.Role, op)
	}
	return nil
}

// AuthorizeFor checks op against a record owned by ownerID. Acting on one's own record
// needs only op; acting on someone else's additionally needs onBehalf.
func AuthorizeFor(actor Actor, op, onBehalf Operation, ownerID string) error {
	if err := Authorize(actor, op); err != nil {
		return err
	}
	if actor.ID != "" && actor.ID == ownerID {
		return nil
	}
	if !CanPerform(actor.Role, onBehalf) {
		return fmt.Errorf("%w: role %s may not %s for another borrower", ErrPolicyDenied, actor.Role, op)
	}
	return nil
}
