package reservation

import "exposehub/reservation-service/internal/models"

type Capability string

const (
	CapCreateReservation Capability = "create-reservation"
	CapManageStatus      Capability = "manage-reservation-status"
	CapViewOwn           Capability = "view-own"
	CapViewTeam          Capability = "view-team"
	CapViewAll           Capability = "view-all"
	CapManageWaitlist    Capability = "manage-waitlist"
)

// Resource is what a capability is checked against. Zero fields are not
// constrained.
type Resource struct {
	TenantID       string
	OwnerID        string
	PropertyStatus *models.Status
}

type PermissionResolver interface {
	HasCapability(actor models.Actor, capability Capability, resource Resource) bool
}

var capabilityTable = map[models.Role]map[Capability]bool{
	models.RoleSalesPerson: {
		CapCreateReservation: true,
		CapViewOwn:           true,
	},
	models.RoleLocationManager: {
		CapViewOwn:  true,
		CapViewTeam: true,
	},
	models.RolePropertyManager: {
		CapCreateReservation: true,
		CapManageStatus:      true,
		CapViewOwn:           true,
		CapViewAll:           true,
		CapManageWaitlist:    true,
	},
	models.RoleTenantAdmin: {
		CapCreateReservation: true,
		CapManageStatus:      true,
		CapViewOwn:           true,
		CapViewAll:           true,
		CapManageWaitlist:    true,
	},
}

// Gate is the default PermissionResolver backed by the role capability table.
type Gate struct{}

func (Gate) HasCapability(actor models.Actor, capability Capability, resource Resource) bool {
	if resource.TenantID != "" && resource.TenantID != actor.TenantID {
		return false
	}
	if !capabilityTable[actor.Role][capability] {
		return false
	}
	switch capability {
	case CapCreateReservation:
		if actor.Role == models.RoleSalesPerson && resource.PropertyStatus != nil && *resource.PropertyStatus == models.StatusSold {
			return false
		}
	case CapViewOwn:
		return resource.OwnerID == "" || resource.OwnerID == actor.UserID
	case CapViewTeam:
		return resource.OwnerID == "" || resource.OwnerID == actor.UserID || actor.ManagesMember(resource.OwnerID)
	}
	return true
}

// CanView reports whether actor may read a reservation owned by ownerID.
func CanView(gate PermissionResolver, actor models.Actor, tenantID, ownerID string) bool {
	resource := Resource{TenantID: tenantID, OwnerID: ownerID}
	return gate.HasCapability(actor, CapViewAll, resource) ||
		gate.HasCapability(actor, CapViewTeam, resource) ||
		gate.HasCapability(actor, CapViewOwn, resource)
}

// VisibleUserIDs returns the creators whose reservations actor may list. A nil
// result means every creator in the tenant.
func VisibleUserIDs(gate PermissionResolver, actor models.Actor) []string {
	tenant := Resource{TenantID: actor.TenantID}
	if gate.HasCapability(actor, CapViewAll, tenant) {
		return nil
	}
	ids := []string{actor.UserID}
	if gate.HasCapability(actor, CapViewTeam, tenant) {
		ids = append(ids, actor.TeamMemberIDs...)
	}
	return ids
}
