package models

type Role string

const (
	RoleSalesPerson     Role = "sales_person"
	RoleLocationManager Role = "location_manager"
	RolePropertyManager Role = "property_manager"
	RoleTenantAdmin     Role = "tenant_admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSalesPerson, RoleLocationManager, RolePropertyManager, RoleTenantAdmin:
		return true
	default:
		return false
	}
}

// Actor is the authenticated caller of a reservation operation.
type Actor struct {
	UserID        string   `json:"user_id"`
	TenantID      string   `json:"tenant_id"`
	Role          Role     `json:"role"`
	TeamMemberIDs []string `json:"team_member_ids,omitempty"`
}

func (a Actor) ManagesMember(userID string) bool {
	for _, id := range a.TeamMemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}
