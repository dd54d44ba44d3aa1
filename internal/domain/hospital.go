package domain

import "strings"

// HospitalRow is one parsed CSV row. Row numbers are 1-based and stable for
// the lifetime of a batch; rows are immutable once parsed.
type HospitalRow struct {
	RowNumber int     `json:"row_number"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Phone     *string `json:"phone,omitempty"`
}

// IdentityKey is the case-insensitive, whitespace-trimmed (name, address)
// pair used for deduplication and upstream reconciliation matching.
type IdentityKey string

// NewIdentityKey builds the identity key for a name/address pair.
func NewIdentityKey(name, address string) IdentityKey {
	return IdentityKey(strings.ToLower(strings.TrimSpace(name)) + "\x1f" + strings.ToLower(strings.TrimSpace(address)))
}

func (r HospitalRow) IdentityKey() IdentityKey {
	return NewIdentityKey(r.Name, r.Address)
}
