package policy

// Entry is one catalog permission with its enforcement rules.
//
// Interactive entries demand a user-driven session rather than an API key.
// RequireMFA entries demand an enrolled and session-verified factor.
// Privileged entries are seeded only for owner and admin at tenant creation.
type Entry struct {
	Resource    string
	Action      string
	Interactive bool
	RequireMFA  bool
	Privileged  bool
}

// Catalog enumerates every protected (resource, action) pair. Tenant seeding
// walks this list; Require consults it for the rule flags.
var Catalog = []Entry{
	// Session management is always interactive.
	{Resource: "sessions", Action: "list", Interactive: true},
	{Resource: "sessions", Action: "revoke", Interactive: true},
	{Resource: "sessions", Action: "revokeAll", Interactive: true},

	{Resource: "users", Action: "read"},
	{Resource: "users", Action: "update", Interactive: true},
	{Resource: "users", Action: "updateNotificationPreferences", Interactive: true},
	{Resource: "users", Action: "updateRole", Interactive: true, RequireMFA: true, Privileged: true},
	{Resource: "users", Action: "disable", Interactive: true, RequireMFA: true, Privileged: true},
	{Resource: "users", Action: "delete", Interactive: true, RequireMFA: true, Privileged: true},

	// MFA lifecycle is interactive by nature; the verify step itself runs
	// before the session is verified, so it carries no RequireMFA flag.
	{Resource: "mfa", Action: "enroll", Interactive: true},
	{Resource: "mfa", Action: "verify", Interactive: true},
	{Resource: "mfa", Action: "disable", Interactive: true, RequireMFA: true},
	{Resource: "mfa", Action: "status", Interactive: true},

	{Resource: "policy", Action: "read"},
	{Resource: "policy", Action: "grant", Interactive: true, RequireMFA: true, Privileged: true},
	{Resource: "policy", Action: "revoke", Interactive: true, RequireMFA: true, Privileged: true},

	{Resource: "apps", Action: "readSettings"},
	{Resource: "apps", Action: "updateSettings", Interactive: true, RequireMFA: true, Privileged: true},
	{Resource: "apps", Action: "provision", Interactive: true, RequireMFA: true, Privileged: true},

	{Resource: "admin", Action: "listUsers", Privileged: true},
	{Resource: "audit", Action: "read", Privileged: true},
}

var catalogIndex = func() map[string]Entry {
	idx := make(map[string]Entry, len(Catalog))
	for _, e := range Catalog {
		idx[e.Resource+"."+e.Action] = e
	}
	return idx
}()

// lookupEntry returns the catalog entry for (resource, action), if declared.
func lookupEntry(resource, action string) (Entry, bool) {
	e, ok := catalogIndex[resource+"."+action]
	return e, ok
}
