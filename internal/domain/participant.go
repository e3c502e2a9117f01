package domain

import "time"

// Role identifies which side of a support conversation a participant is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether r belongs to the back-office side. Admins count as staff.
func (r Role) IsStaff() bool {
	return r == RoleStaff || r == RoleAdmin
}

// Side collapses admin into staff; unread counters and receipts are kept per side.
func (r Role) Side() Role {
	if r.IsStaff() {
		return RoleStaff
	}
	return RoleCustomer
}

// ParticipantRef is the embedded reference to a user on conversations and messages.
type ParticipantRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role,omitempty"`
}

// DisplayName returns the name, falling back to the id.
func (p ParticipantRef) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Participant is a known chat identity, recorded from token claims.
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// Ref returns the embedded reference form.
func (p Participant) Ref() ParticipantRef {
	return ParticipantRef{ID: p.ID, Name: p.Name, Role: p.Role}
}
