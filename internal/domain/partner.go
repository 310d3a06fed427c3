package domain

import "time"

// PartnerStatus mirrors the partner directory status.
type PartnerStatus string

const (
	PartnerStatusActive    PartnerStatus = "active"
	PartnerStatusSuspended PartnerStatus = "suspended"
)

// Partner is the local projection of the upstream partner directory.
type Partner struct {
	ID           string        `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ReferralCode string        `gorm:"column:referral_code;size:64;not null;uniqueIndex" json:"referral_code"`
	Name         string        `gorm:"column:name;size:255;not null" json:"name"`
	Tier         string        `gorm:"column:tier;size:32" json:"tier,omitempty"`
	Status       PartnerStatus `gorm:"column:status;size:16;not null;default:active" json:"status"`
	CreatedAt    time.Time     `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM
func (Partner) TableName() string {
	return "partners"
}

// IsActive reports whether the partner may receive clicks and commissions.
func (p *Partner) IsActive() bool {
	return p.Status == PartnerStatusActive
}
