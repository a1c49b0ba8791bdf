package auth

// Permission keys checked at the HTTP boundary.
const (
	PermAccountManage   = "finance.account.manage"
	PermAccountRetire   = "finance.account.retire"
	PermEntryRecord     = "finance.entry.record"
	PermTransfer        = "finance.transfer"
	PermMarkMoved       = "finance.reconciliation.mark_moved"
	PermCustomerManage  = "finance.customer.manage"
	PermLedgerRead      = "finance.ledger.read"
)

// Permission pairs a key with a human readable description.
type Permission struct {
	Key         string
	Description string
}

var BuiltinPermissions = []Permission{
	{Key: PermAccountManage, Description: "Create accounts and change their configuration"},
	{Key: PermAccountRetire, Description: "Retire accounts, draining any remaining balance"},
	{Key: PermEntryRecord, Description: "Record credits and debits"},
	{Key: PermTransfer, Description: "Transfer funds between accounts"},
	{Key: PermMarkMoved, Description: "Mark transactions as moved to the main ledger"},
	{Key: PermCustomerManage, Description: "Manage customers and customer transactions"},
	{Key: PermLedgerRead, Description: "Read accounts, customers and transaction history"},
}

// rolePermissions maps built-in roles to the permissions they grant.
var rolePermissions = map[string][]string{
	"admin": {
		PermAccountManage,
		PermAccountRetire,
		PermEntryRecord,
		PermTransfer,
		PermMarkMoved,
		PermCustomerManage,
		PermLedgerRead,
	},
	"cashier": {
		PermEntryRecord,
		PermTransfer,
		PermCustomerManage,
		PermLedgerRead,
	},
	"finance": {
		PermMarkMoved,
		PermLedgerRead,
	},
}

// PermissionsForRoles resolves the union of permissions granted by the given roles.
func PermissionsForRoles(roles []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, role := range roles {
		for _, key := range rolePermissions[role] {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}
