package model

import (
	"strconv"
	"time"
)

type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelSMS      Channel = "SMS"
)

// DeliverableCode is a one-time verification code sent over a primary
// channel with an SMS fallback.
type DeliverableCode struct {
	ID                int64      `json:"id" db:"id"`
	Phone             string     `json:"-" db:"phone"`
	TenantID          string     `json:"tenant_id,omitempty" db:"tenant_id"`
	CodeHash          string     `json:"-" db:"code_hash"`
	Channel           Channel    `json:"channel" db:"channel"`
	PrimaryMessageID  string     `json:"-" db:"primary_message_id"`
	PrimaryConfirmed  bool       `json:"primary_confirmed" db:"primary_confirmed"`
	FallbackClaimedAt *time.Time `json:"-" db:"fallback_claimed_at"`
	FallbackDelivered bool       `json:"fallback_delivered" db:"fallback_delivered"`
	IPHash            string     `json:"-" db:"ip_hash"`
	Attempts          int        `json:"attempts" db:"attempts"`
	Consumed          bool       `json:"consumed" db:"consumed"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at" db:"expires_at"`
}

func (c DeliverableCode) ClaimKey() string { return strconv.FormatInt(c.ID, 10) }

// Expired reports whether the code is past its expiry at now.
func (c DeliverableCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
