package unitledger

import (
	"github.com/xraph/unitledger/subscription"
)

// SchemaVersion is the document schema written by every store. Documents
// read with a lower version are passed through UpgradeSubscription once.
const SchemaVersion = 1

// LegacyFields carries attributes that only exist in documents written
// before SchemaVersion 1.
type LegacyFields struct {
	// CompanyName held the company key before it was renamed company_id.
	CompanyName string
}

// UpgradeSubscription brings a subscription decoded from a document of
// the given schema version up to SchemaVersion. It reports whether the
// document changed and should be written back. Documents that are missing
// required fields fail with a ConfigurationError rather than being
// defaulted.
func UpgradeSubscription(sub *subscription.Subscription, version int, legacy LegacyFields) (bool, error) {
	if version > SchemaVersion {
		return false, configErr("schema_version", "document version %d is newer than supported %d", version, SchemaVersion)
	}

	upgraded := version < SchemaVersion
	if sub.CompanyID == "" && legacy.CompanyName != "" {
		sub.CompanyID = legacy.CompanyName
		upgraded = true
	}

	switch {
	case sub.ID.IsNil():
		return false, configErr("id", "missing subscription id")
	case sub.CompanyID == "":
		return false, configErr("company_id", "missing on subscription %s", sub.ID)
	case !sub.UnitType.Valid():
		return false, configErr("unit_type", "unknown unit type %q on subscription %s", sub.UnitType, sub.ID)
	case sub.PricePerUnit.Currency == "":
		return false, configErr("price_per_unit", "missing currency on subscription %s", sub.ID)
	}

	if sub.BillingFrequency == "" {
		sub.BillingFrequency = subscription.BillingMonthly
		upgraded = true
	}
	if sub.Status == "" {
		sub.Status = subscription.StatusActive
		upgraded = true
	}
	if sub.Metadata == nil {
		sub.Metadata = map[string]string{}
	}

	if upgraded {
		if err := CheckPeriods(sub); err != nil {
			return false, err
		}
	}
	return upgraded, nil
}
