package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ClickStatus is the classification outcome persisted on every click row.
type ClickStatus string

const (
	ClickStatusValid      ClickStatus = "valid"
	ClickStatusInvalid    ClickStatus = "invalid"
	ClickStatusSuspicious ClickStatus = "suspicious"
)

// ClickSource describes how the visitor reached the referral link.
type ClickSource string

const (
	ClickSourceLink    ClickSource = "link"
	ClickSourceQR      ClickSource = "qr"
	ClickSourceWidget  ClickSource = "widget"
	ClickSourceUnknown ClickSource = "unknown"
)

// ParseClickSource normalizes free-form input, unknown values map to ClickSourceUnknown.
func ParseClickSource(s string) ClickSource {
	switch ClickSource(s) {
	case ClickSourceLink, ClickSourceQR, ClickSourceWidget:
		return ClickSource(s)
	default:
		return ClickSourceUnknown
	}
}

// ClickMetadataVersion is bumped whenever ClickMetadata changes shape.
const ClickMetadataVersion = 1

// ClickMetadata holds the structured, versioned extras captured with a click.
type ClickMetadata struct {
	Version     int               `json:"version"`
	CustomerID  string            `json:"customerId,omitempty"`
	LandingPage string            `json:"landingPage,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// ReferralClick is one recorded click attempt on a partner referral link.
type ReferralClick struct {
	ID           string  `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	PartnerID    string  `gorm:"column:partner_id;type:varchar(36);not null;index:idx_referral_clicks_partner_created,priority:1" json:"partner_id"`
	ProductID    *string `gorm:"column:product_id;type:varchar(64)" json:"product_id,omitempty"`
	ReferralCode string  `gorm:"column:referral_code;size:64;not null;index:idx_referral_clicks_code_created,priority:1" json:"referral_code"`
	ReferralLink string  `gorm:"column:referral_link;size:1024" json:"referral_link,omitempty"`

	Campaign    string      `gorm:"column:campaign;size:128" json:"campaign,omitempty"`
	Medium      string      `gorm:"column:medium;size:128" json:"medium,omitempty"`
	Source      string      `gorm:"column:source;size:128" json:"source,omitempty"`
	Status      ClickStatus `gorm:"column:status;size:16;not null;default:valid;index:idx_referral_clicks_status_created,priority:1" json:"status"`
	ClickSource ClickSource `gorm:"column:click_source;size:16;not null;default:unknown" json:"click_source"`

	SessionID   string `gorm:"column:session_id;size:128;index" json:"session_id,omitempty"`
	Fingerprint string `gorm:"column:fingerprint;size:128;not null;index" json:"fingerprint"`
	IPAddress   string `gorm:"column:ip_address;size:45" json:"ip_address,omitempty"`
	UserAgent   string `gorm:"column:user_agent;type:text" json:"user_agent,omitempty"`
	Referer     string `gorm:"column:referer;size:1024" json:"referer,omitempty"`
	Country     string `gorm:"column:country;size:2" json:"country,omitempty"`
	City        string `gorm:"column:city;size:100" json:"city,omitempty"`
	DeviceType  string `gorm:"column:device_type;size:16" json:"device_type,omitempty"`
	OSName      string `gorm:"column:os_name;size:64" json:"os_name,omitempty"`
	BrowserName string `gorm:"column:browser_name;size:64" json:"browser_name,omitempty"`

	IsDuplicate        bool    `gorm:"column:is_duplicate;not null;default:false" json:"is_duplicate"`
	OriginalClickID    *string `gorm:"column:original_click_id;type:varchar(36)" json:"original_click_id,omitempty"`
	ClickCount         int64   `gorm:"column:click_count;not null;default:1" json:"click_count"`
	IsSuspiciousBot    bool    `gorm:"column:is_suspicious_bot;not null;default:false" json:"is_suspicious_bot"`
	BotDetectionReason string  `gorm:"column:bot_detection_reason;size:512" json:"bot_detection_reason,omitempty"`
	IsRateLimited      bool    `gorm:"column:is_rate_limited;not null;default:false" json:"is_rate_limited"`

	HasConverted bool       `gorm:"column:has_converted;not null;default:false" json:"has_converted"`
	ConversionID *string    `gorm:"column:conversion_id;type:varchar(36)" json:"conversion_id,omitempty"`
	ConvertedAt  *time.Time `gorm:"column:converted_at" json:"converted_at,omitempty"`

	Metadata     datatypes.JSONType[ClickMetadata] `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt    time.Time                         `gorm:"column:created_at;not null;index:idx_referral_clicks_partner_created,priority:2;index:idx_referral_clicks_code_created,priority:2;index:idx_referral_clicks_status_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time                         `gorm:"column:updated_at;not null" json:"updated_at"`
	AnonymizedAt *time.Time                        `gorm:"column:anonymized_at" json:"anonymized_at,omitempty"`

	Partner *Partner `gorm:"foreignKey:PartnerID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM
func (ReferralClick) TableName() string {
	return "referral_clicks"
}

// IsCanonical reports whether the click is the one conversions may attach to.
func (c *ReferralClick) IsCanonical() bool {
	return !c.IsDuplicate
}

// CustomerID returns the customer captured with the click, if any.
func (c *ReferralClick) CustomerID() string {
	return c.Metadata.Data().CustomerID
}
