package models

import (
	"encoding/json"
	"fmt"
)

// Tier is an email priority tier. Lower is more urgent; the zero value means
// "not yet classified".
type Tier int

const (
	TierUnset     Tier = 0
	TierVVIP      Tier = 1 // response expected within 30 minutes
	TierImportant Tier = 2 // response expected the same day
	TierStandard  Tier = 3 // response expected within the week
	TierDefault   Tier = 4 // everyone else
)

func (t Tier) String() string {
	switch t {
	case TierVVIP:
		return "VVIP"
	case TierImportant:
		return "IMPORTANT"
	case TierStandard:
		return "STANDARD"
	case TierDefault:
		return "DEFAULT"
	case TierUnset:
		return "UNSET"
	default:
		return fmt.Sprintf("TIER(%d)", int(t))
	}
}

// Responsive reports whether emails of this tier are hidden once the thread
// has a reply (tiers 1 and 2), as opposed to once they are read.
func (t Tier) Responsive() bool {
	return t == TierVVIP || t == TierImportant
}

// MarshalJSON encodes an unclassified tier as null.
func (t Tier) MarshalJSON() ([]byte, error) {
	if t == TierUnset {
		return []byte("null"), nil
	}
	return json.Marshal(int(t))
}

// UnmarshalJSON accepts null or an integer.
func (t *Tier) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = TierUnset
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tier: %w", err)
	}
	*t = Tier(n)
	return nil
}
