package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawClickInput is an incoming click before classification.
type RawClickInput struct {
	// ClickID, when set, is the id the click is stored under. Ingesting the
	// same id twice stores one row.
	ClickID          string            `json:"-"`
	PartnerID        string            `json:"partner_id"`
	ReferralCode     string            `json:"referral_code" validate:"required,max=64"`
	ProductID        string            `json:"product_id,omitempty"`
	ReferralLink     string            `json:"referral_link,omitempty"`
	Campaign         string            `json:"campaign,omitempty"`
	Medium           string            `json:"medium,omitempty"`
	Source           string            `json:"source,omitempty"`
	ClickSource      string            `json:"click_source,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	FingerprintToken string            `json:"fingerprint,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	Referer          string            `json:"referer,omitempty"`
	Country          string            `json:"country,omitempty"`
	City             string            `json:"city,omitempty"`
	CustomerID       string            `json:"customer_id,omitempty"`
	LandingPage      string            `json:"landing_page,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
	ClickedAt        time.Time         `json:"clicked_at,omitempty"`
}

// OrderCompletedEvent is emitted by the order service when an order completes.
type OrderCompletedEvent struct {
	OrderID           string          `json:"order_id" validate:"required,max=128"`
	PartnerID         string          `json:"partner_id,omitempty"`
	ReferralClickID   string          `json:"referral_click_id,omitempty"`
	ReferralCode      string          `json:"referral_code,omitempty" validate:"required_without=ReferralClickID"`
	SessionID         string          `json:"session_id,omitempty"`
	CustomerID        string          `json:"customer_id,omitempty"`
	ProductID         string          `json:"product_id,omitempty"`
	SupplierID        string          `json:"supplier_id,omitempty"`
	Category          string          `json:"category,omitempty"`
	ConversionType    ConversionType  `json:"conversion_type,omitempty"`
	OrderAmount       decimal.Decimal `json:"order_amount"`
	ProductPrice      decimal.Decimal `json:"product_price"`
	Quantity          int             `json:"quantity,omitempty" validate:"gte=0"`
	Currency          string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	IsNewCustomer     bool            `json:"is_new_customer"`
	IsRepeatCustomer  bool            `json:"is_repeat_customer"`
	HasDiscountedItem bool            `json:"has_discounted_item"`
	CompletedAt       time.Time       `json:"completed_at,omitempty"`
}

// OrderStatusChangedEvent is emitted when a completed order is settled,
// cancelled or (partially) refunded downstream.
type OrderStatusChangedEvent struct {
	OrderID          string           `json:"order_id" validate:"required"`
	Status           ConversionStatus `json:"status" validate:"required,oneof=confirmed cancelled refunded"`
	RefundedAmount   decimal.Decimal  `json:"refunded_amount"`
	RefundedQuantity int              `json:"refunded_quantity"`
	OccurredAt       time.Time        `json:"occurred_at,omitempty"`
}
