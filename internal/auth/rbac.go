package auth

import "sort"

type Action string

const (
	ActionRead     Action = "read"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionApprove  Action = "approve"
	ActionCheckIn  Action = "check_in"
	ActionCheckOut Action = "check_out"
)

type Resource string

const (
	ResourceRequest          Resource = "request"
	ResourceLongTermRequest  Resource = "long_term_request"
	ResourceShortTermRequest Resource = "short_term_request"
	ResourceUSBApproval      Resource = "usb_approval"
	ResourceASApproval       Resource = "as_approval"
	ResourceVisitor          Resource = "visitor"
	ResourceVisitLog         Resource = "visit_log"
	ResourceBlacklist        Resource = "blacklist"
	ResourceAuditLog         Resource = "audit_log"
	ResourceAccount          Resource = "account"
	ResourceRole             Resource = "role"
	ResourceDepartment       Resource = "department"
	ResourceCheckpoint       Resource = "checkpoint"
	ResourceNotification     Resource = "notification"
	ResourceSystem           Resource = "system"
)

// Permission is one allowed (action, resource) pair.
type Permission struct {
	Action   Action   `json:"action"`
	Resource Resource `json:"resource"`
}

func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

func perm(action Action, resource Resource) Permission {
	return Permission{Action: action, Resource: resource}
}

var notificationPermissions = []Permission{
	perm(ActionRead, ResourceNotification),
	perm(ActionUpdate, ResourceNotification),
}

var headOfManagementUnitPermissions = append([]Permission{
	perm(ActionCreate, ResourceShortTermRequest),
	perm(ActionRead, ResourceRequest),
	perm(ActionUpdate, ResourceRequest),
	perm(ActionRead, ResourceVisitor),
	perm(ActionCreate, ResourceVisitor),
	perm(ActionRead, ResourceVisitLog),
	perm(ActionRead, ResourceDepartment),
}, notificationPermissions...)

var headOfDepartmentPermissions = append([]Permission{
	perm(ActionCreate, ResourceLongTermRequest),
}, headOfManagementUnitPermissions...)

var securityOfficerPermissions = append([]Permission{
	perm(ActionRead, ResourceRequest),
	perm(ActionRead, ResourceVisitor),
	perm(ActionRead, ResourceVisitLog),
	perm(ActionRead, ResourceAuditLog),
	perm(ActionRead, ResourceBlacklist),
	perm(ActionCreate, ResourceBlacklist),
	perm(ActionDelete, ResourceBlacklist),
}, notificationPermissions...)

var checkpointPermissions = []Permission{
	perm(ActionRead, ResourceRequest),
	perm(ActionRead, ResourceVisitor),
	perm(ActionCheckIn, ResourceVisitLog),
	perm(ActionCheckOut, ResourceVisitLog),
	perm(ActionRead, ResourceCheckpoint),
	perm(ActionRead, ResourceNotification),
}

var employeePermissions = append([]Permission{
	perm(ActionRead, ResourceRequest),
	perm(ActionRead, ResourceDepartment),
}, notificationPermissions...)

var adminOnlyPermissions = []Permission{
	perm(ActionApprove, ResourceUSBApproval),
	perm(ActionApprove, ResourceASApproval),
	perm(ActionDelete, ResourceRequest),
	perm(ActionUpdate, ResourceVisitor),
	perm(ActionDelete, ResourceVisitor),
	perm(ActionRead, ResourceAccount),
	perm(ActionCreate, ResourceAccount),
	perm(ActionUpdate, ResourceAccount),
	perm(ActionDelete, ResourceAccount),
	perm(ActionRead, ResourceRole),
	perm(ActionCreate, ResourceDepartment),
	perm(ActionUpdate, ResourceDepartment),
	perm(ActionDelete, ResourceDepartment),
	perm(ActionCreate, ResourceCheckpoint),
	perm(ActionUpdate, ResourceCheckpoint),
	perm(ActionDelete, ResourceCheckpoint),
	perm(ActionDelete, ResourceAuditLog),
	perm(ActionRead, ResourceSystem),
	perm(ActionUpdate, ResourceSystem),
}

// rolePermissions is the single source of truth for authorization. It is
// built once at init and never mutated.
var rolePermissions = buildRoleTable(map[Role][]Permission{
	RoleAdmin: concat(
		headOfDepartmentPermissions,
		securityOfficerPermissions,
		checkpointPermissions,
		employeePermissions,
		adminOnlyPermissions,
	),
	RoleHeadOfDepartment:     headOfDepartmentPermissions,
	RoleHeadOfManagementUnit: headOfManagementUnitPermissions,
	RoleUSBOfficer:           append([]Permission{perm(ActionApprove, ResourceUSBApproval)}, securityOfficerPermissions...),
	RoleASOfficer:            append([]Permission{perm(ActionApprove, ResourceASApproval)}, securityOfficerPermissions...),
	RoleCheckpoint1:          checkpointPermissions,
	RoleCheckpoint2:          checkpointPermissions,
	RoleCheckpoint3:          checkpointPermissions,
	RoleCheckpoint4:          checkpointPermissions,
	RoleEmployee:             employeePermissions,
})

func buildRoleTable(grants map[Role][]Permission) map[Role]map[Permission]struct{} {
	table := make(map[Role]map[Permission]struct{}, len(grants))
	for role, perms := range grants {
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		table[role] = set
	}
	return table
}

func concat(groups ...[]Permission) []Permission {
	var out []Permission
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Authorize is a pure lookup. Unknown roles and unmapped pairs are denied.
func Authorize(role Role, action Action, resource Resource) Decision {
	perms, ok := rolePermissions[role]
	if !ok {
		return Deny
	}
	if _, ok := perms[perm(action, resource)]; !ok {
		return Deny
	}
	return Allow
}

// PermissionsFor lists a role's permissions in a stable order. Returns nil
// for unknown roles.
func PermissionsFor(role Role) []Permission {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}

	out := make([]Permission, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
