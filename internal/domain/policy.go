package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PolicyStatus is the lifecycle state of a commission policy.
type PolicyStatus string

const (
	PolicyStatusActive   PolicyStatus = "active"
	PolicyStatusInactive PolicyStatus = "inactive"
	PolicyStatusArchived PolicyStatus = "archived"
)

// CommissionType selects how a policy turns an order into a commission.
type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
	CommissionTiered     CommissionType = "tiered"
)

// TierBasis selects the value used to locate a tier bracket.
type TierBasis string

const (
	// TierBasisOrderAmount brackets on the conversion's order amount.
	TierBasisOrderAmount TierBasis = "order_amount"
	// TierBasisPartnerConversions brackets on the partner's cumulative
	// number of conversions already granted under the policy.
	TierBasisPartnerConversions TierBasis = "partner_conversions"
)

// TieredRatesVersion is bumped whenever TieredRates changes shape.
const TieredRatesVersion = 1

// Tier is one bracket. A bracket covers [Threshold, next Threshold).
// Type is percentage (Rate is a percent of the order amount) or fixed
// (Rate is an absolute amount); empty means percentage.
type Tier struct {
	Threshold decimal.Decimal `json:"threshold"`
	Rate      decimal.Decimal `json:"rate"`
	Type      CommissionType  `json:"type,omitempty"`
}

// TieredRates is the structured tier table stored on a policy.
type TieredRates struct {
	Version int       `json:"version"`
	Basis   TierBasis `json:"basis,omitempty"`
	Tiers   []Tier    `json:"tiers"`
}

// CommissionPolicy is a configured commission rule.
type CommissionPolicy struct {
	ID          string       `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	PolicyCode  string       `gorm:"column:policy_code;size:64;not null;uniqueIndex" json:"policy_code"`
	Name        string       `gorm:"column:name;size:255;not null" json:"name"`
	Description string       `gorm:"column:description;type:text" json:"description,omitempty"`
	PolicyType  string       `gorm:"column:policy_type;size:32;not null;default:standard" json:"policy_type"`
	Status      PolicyStatus `gorm:"column:status;size:16;not null;default:active;index" json:"status"`
	Priority    int          `gorm:"column:priority;not null;default:0" json:"priority"`

	PartnerID   *string                     `gorm:"column:partner_id;type:varchar(36);index" json:"partner_id,omitempty"`
	PartnerTier *string                     `gorm:"column:partner_tier;size:32" json:"partner_tier,omitempty"`
	ProductID   *string                     `gorm:"column:product_id;type:varchar(64);index" json:"product_id,omitempty"`
	SupplierID  *string                     `gorm:"column:supplier_id;type:varchar(64)" json:"supplier_id,omitempty"`
	Category    *string                     `gorm:"column:category;size:128" json:"category,omitempty"`
	Tags        datatypes.JSONSlice[string] `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`

	CommissionType   CommissionType                  `gorm:"column:commission_type;size:16;not null" json:"commission_type"`
	CommissionRate   decimal.Decimal                 `gorm:"column:commission_rate;type:numeric(10,4);not null;default:0" json:"commission_rate"`
	CommissionAmount decimal.Decimal                 `gorm:"column:commission_amount;type:numeric(20,4);not null;default:0" json:"commission_amount"`
	TieredRates      datatypes.JSONType[TieredRates] `gorm:"column:tiered_rates;type:jsonb" json:"tiered_rates"`
	MinCommission    *decimal.Decimal                `gorm:"column:min_commission;type:numeric(20,4)" json:"min_commission,omitempty"`
	MaxCommission    *decimal.Decimal                `gorm:"column:max_commission;type:numeric(20,4)" json:"max_commission,omitempty"`

	ValidFrom              *time.Time       `gorm:"column:valid_from" json:"valid_from,omitempty"`
	ValidUntil             *time.Time       `gorm:"column:valid_until" json:"valid_until,omitempty"`
	MinOrderAmount         *decimal.Decimal `gorm:"column:min_order_amount;type:numeric(20,4)" json:"min_order_amount,omitempty"`
	MaxOrderAmount         *decimal.Decimal `gorm:"column:max_order_amount;type:numeric(20,4)" json:"max_order_amount,omitempty"`
	RequiresNewCustomer    bool             `gorm:"column:requires_new_customer;not null;default:false" json:"requires_new_customer"`
	ExcludeDiscountedItems bool             `gorm:"column:exclude_discounted_items;not null;default:false" json:"exclude_discounted_items"`

	MaxUsagePerPartner *int64 `gorm:"column:max_usage_per_partner" json:"max_usage_per_partner,omitempty"`
	MaxUsageTotal      *int64 `gorm:"column:max_usage_total" json:"max_usage_total,omitempty"`
	CurrentUsageCount  int64  `gorm:"column:current_usage_count;not null;default:0" json:"current_usage_count"`

	CanStackWithOtherPolicies bool                        `gorm:"column:can_stack_with_other_policies;not null;default:false" json:"can_stack_with_other_policies"`
	ExclusiveWith             datatypes.JSONSlice[string] `gorm:"column:exclusive_with;type:jsonb" json:"exclusive_with,omitempty"`
	Metadata                  datatypes.JSONMap           `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	RequiresApproval          bool                        `gorm:"column:requires_approval;not null;default:false" json:"requires_approval"`
	CreatedBy                 string                      `gorm:"column:created_by;size:128" json:"created_by,omitempty"`
	ApprovedBy                *string                     `gorm:"column:approved_by;size:128" json:"approved_by,omitempty"`
	ApprovedAt                *time.Time                  `gorm:"column:approved_at" json:"approved_at,omitempty"`
	CreatedAt                 time.Time                   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time                   `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM
func (CommissionPolicy) TableName() string {
	return "commission_policies"
}

// TotalCapReached reports whether the policy has no total usage left.
func (p *CommissionPolicy) TotalCapReached() bool {
	return p.MaxUsageTotal != nil && p.CurrentUsageCount >= *p.MaxUsageTotal
}

// ExcludesCode reports whether code is listed in the policy's exclusiveWith.
func (p *CommissionPolicy) ExcludesCode(code string) bool {
	for _, c := range p.ExclusiveWith {
		if c == code {
			return true
		}
	}
	return false
}

// PolicyPartnerUsage tracks per-partner grants of a capped policy.
type PolicyPartnerUsage struct {
	PolicyID   string    `gorm:"primaryKey;column:policy_id;type:varchar(36)"`
	PartnerID  string    `gorm:"primaryKey;column:partner_id;type:varchar(36)"`
	UsageCount int64     `gorm:"column:usage_count;not null;default:0"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the table name for GORM
func (PolicyPartnerUsage) TableName() string {
	return "commission_policy_partner_usages"
}
