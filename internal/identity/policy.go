package identity

import "strings"

// AccessPolicy is the injected, immutable access configuration: the reserved
// master-operator address, the root administrator role granted to it, and the
// restricted-identity denylist.
type AccessPolicy struct {
	MasterOperatorEmail string
	RootAdminRoleID     string
	RestrictedEmails    []string
}

// Restricted reports whether the email may never hold an active personnel
// record. Comparison is case-insensitive.
func (p AccessPolicy) Restricted(email string) bool {
	normalized := NormalizeEmail(email)
	for _, restricted := range p.RestrictedEmails {
		if NormalizeEmail(restricted) == normalized {
			return true
		}
	}
	return false
}

// MasterOperator reports whether the email is the reserved master-operator
// address.
func (p AccessPolicy) MasterOperator(email string) bool {
	return p.MasterOperatorEmail != "" && NormalizeEmail(email) == NormalizeEmail(p.MasterOperatorEmail)
}

// NormalizeEmail lower-cases and trims an email for use as a join key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
