package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ConversionStatus is the settlement state of a conversion.
type ConversionStatus string

const (
	ConversionPending   ConversionStatus = "pending"
	ConversionConfirmed ConversionStatus = "confirmed"
	ConversionCancelled ConversionStatus = "cancelled"
	ConversionRefunded  ConversionStatus = "refunded"
)

// ConversionType classifies what the referred customer did.
type ConversionType string

const (
	ConversionDirectPurchase ConversionType = "direct_purchase"
	ConversionSubscription   ConversionType = "subscription"
	ConversionLead           ConversionType = "lead"
)

// AttributionModelLastTouch is the only attribution model implemented.
const AttributionModelLastTouch = "last_touch"

// TouchPoint is one click considered during attribution.
type TouchPoint struct {
	ClickID   string    `json:"clickId"`
	ClickedAt time.Time `json:"clickedAt"`
	Weight    float64   `json:"weight"`
}

// AttributionPathVersion is bumped whenever AttributionPath changes shape.
const AttributionPathVersion = 1

// AttributionPath is the ordered list of touch points credited for a conversion.
type AttributionPath struct {
	Version int          `json:"version"`
	Touches []TouchPoint `json:"touches"`
}

// ConversionMetadata is the structured metadata stored on a conversion.
type ConversionMetadata struct {
	Version           int    `json:"version"`
	IneligibleReason  string `json:"ineligibleReason,omitempty"`
	ResolveAttempts   int    `json:"resolveAttempts,omitempty"`
	HasDiscountedItem bool   `json:"hasDiscountedItem,omitempty"`
}

// ConversionEvent is one attributed (or deliberately unattributed) purchase.
type ConversionEvent struct {
	ID              string  `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	PartnerID       string  `gorm:"column:partner_id;type:varchar(36);not null;index" json:"partner_id"`
	OrderID         string  `gorm:"column:order_id;size:128;not null;index" json:"order_id"`
	ProductID       *string `gorm:"column:product_id;type:varchar(64)" json:"product_id,omitempty"`
	ReferralClickID *string `gorm:"column:referral_click_id;type:varchar(36);index" json:"referral_click_id,omitempty"`
	ReferralCode    string  `gorm:"column:referral_code;size:64" json:"referral_code,omitempty"`

	ConversionType   ConversionType   `gorm:"column:conversion_type;size:32;not null;default:direct_purchase" json:"conversion_type"`
	AttributionModel string           `gorm:"column:attribution_model;size:32;not null;default:last_touch" json:"attribution_model"`
	Status           ConversionStatus `gorm:"column:status;size:16;not null;default:pending;index" json:"status"`

	OrderAmount      decimal.Decimal `gorm:"column:order_amount;type:numeric(20,4);not null" json:"order_amount"`
	ProductPrice     decimal.Decimal `gorm:"column:product_price;type:numeric(20,4);not null;default:0" json:"product_price"`
	Quantity         int             `gorm:"column:quantity;not null;default:1" json:"quantity"`
	Currency         string          `gorm:"column:currency;size:3;not null" json:"currency"`
	RefundedAmount   decimal.Decimal `gorm:"column:refunded_amount;type:numeric(20,4);not null;default:0" json:"refunded_amount"`
	RefundedQuantity int             `gorm:"column:refunded_quantity;not null;default:0" json:"refunded_quantity"`
	CommissionAmount decimal.Decimal `gorm:"column:commission_amount;type:numeric(20,4);not null;default:0" json:"commission_amount"`

	AttributionWeight         float64                             `gorm:"column:attribution_weight;not null;default:1" json:"attribution_weight"`
	AttributionPath           datatypes.JSONType[AttributionPath] `gorm:"column:attribution_path;type:jsonb" json:"attribution_path"`
	ClickedAt                 *time.Time                          `gorm:"column:clicked_at" json:"clicked_at,omitempty"`
	ConvertedAt               time.Time                           `gorm:"column:converted_at;not null" json:"converted_at"`
	ConversionTimeMinutes     int64                               `gorm:"column:conversion_time_minutes;not null;default:0" json:"conversion_time_minutes"`
	AttributionWindowDays     int                                 `gorm:"column:attribution_window_days;not null" json:"attribution_window_days"`
	IsWithinAttributionWindow bool                                `gorm:"column:is_within_attribution_window;not null;default:false" json:"is_within_attribution_window"`

	Campaign         string `gorm:"column:campaign;size:128" json:"campaign,omitempty"`
	Medium           string `gorm:"column:medium;size:128" json:"medium,omitempty"`
	Source           string `gorm:"column:source;size:128" json:"source,omitempty"`
	CustomerID       string `gorm:"column:customer_id;size:128" json:"customer_id,omitempty"`
	IsNewCustomer    bool   `gorm:"column:is_new_customer;not null;default:false" json:"is_new_customer"`
	IsRepeatCustomer bool   `gorm:"column:is_repeat_customer;not null;default:false" json:"is_repeat_customer"`

	IdempotencyKey string                                 `gorm:"column:idempotency_key;size:64;not null;uniqueIndex" json:"idempotency_key"`
	IsDuplicate    bool                                   `gorm:"column:is_duplicate;not null;default:false" json:"is_duplicate"`
	Metadata       datatypes.JSONType[ConversionMetadata] `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt      time.Time                              `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time                              `gorm:"column:updated_at;not null" json:"updated_at"`
	ConfirmedAt    *time.Time                             `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt    *time.Time                             `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	RefundedAt     *time.Time                             `gorm:"column:refunded_at" json:"refunded_at,omitempty"`

	Commissions []ConversionCommission `gorm:"foreignKey:ConversionID" json:"commissions,omitempty"`

	Partner       *Partner       `gorm:"foreignKey:PartnerID;constraint:OnDelete:CASCADE" json:"-"`
	ReferralClick *ReferralClick `gorm:"foreignKey:ReferralClickID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM
func (ConversionEvent) TableName() string {
	return "conversion_events"
}

// ConversionCommission is one policy's contribution to a conversion's commission.
type ConversionCommission struct {
	ID           int64           `gorm:"primaryKey;autoIncrement;column:id" json:"-"`
	ConversionID string          `gorm:"column:conversion_id;type:varchar(36);not null;uniqueIndex:idx_conversion_commission_policy,priority:1" json:"conversion_id"`
	PolicyID     string          `gorm:"column:policy_id;type:varchar(36);not null;uniqueIndex:idx_conversion_commission_policy,priority:2" json:"policy_id"`
	PolicyCode   string          `gorm:"column:policy_code;size:64;not null" json:"policy_code"`
	RawAmount    decimal.Decimal `gorm:"column:raw_amount;type:numeric(20,6);not null" json:"raw_amount"`
	Amount       decimal.Decimal `gorm:"column:amount;type:numeric(20,4);not null" json:"amount"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM
func (ConversionCommission) TableName() string {
	return "conversion_commissions"
}

// allowedTransitions lists the source states each target may be reached from.
var allowedTransitions = map[ConversionStatus][]ConversionStatus{
	ConversionConfirmed: {ConversionPending},
	ConversionCancelled: {ConversionPending, ConversionConfirmed},
	ConversionRefunded:  {ConversionConfirmed},
}

// TransitionSources returns the states from which target can be entered.
func TransitionSources(target ConversionStatus) ([]ConversionStatus, error) {
	from, ok := allowedTransitions[target]
	if !ok {
		return nil, fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, target)
	}
	return from, nil
}

// CanTransition reports whether a conversion in status from may move to to.
func CanTransition(from, to ConversionStatus) bool {
	sources, err := TransitionSources(to)
	if err != nil {
		return false
	}
	for _, s := range sources {
		if s == from {
			return true
		}
	}
	return false
}
