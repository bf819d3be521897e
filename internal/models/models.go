package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Identity is the owner of a balance: either a registered user or a guest keyed by IP.
// Exactly one of the fields is set.
type Identity struct {
	UserID  int64
	GuestIP string
}

func UserIdentity(id int64) Identity {
	return Identity{UserID: id}
}

func GuestIdentity(ip string) Identity {
	return Identity{GuestIP: ip}
}

func (i Identity) IsGuest() bool {
	return i.UserID == 0
}

func (i Identity) IsZero() bool {
	return i.UserID == 0 && i.GuestIP == ""
}

// Key is the stable storage key for the identity.
func (i Identity) Key() string {
	if i.UserID != 0 {
		return "user:" + strconv.FormatInt(i.UserID, 10)
	}
	return "ip:" + i.GuestIP
}

func (i Identity) String() string {
	return i.Key()
}

// ParseIdentityKey reverses Identity.Key.
func ParseIdentityKey(key string) (Identity, error) {
	switch {
	case strings.HasPrefix(key, "user:"):
		id, err := strconv.ParseInt(strings.TrimPrefix(key, "user:"), 10, 64)
		if err != nil || id <= 0 {
			return Identity{}, fmt.Errorf("invalid user identity %q", key)
		}
		return UserIdentity(id), nil
	case strings.HasPrefix(key, "ip:") && len(key) > len("ip:"):
		return GuestIdentity(strings.TrimPrefix(key, "ip:")), nil
	default:
		return Identity{}, fmt.Errorf("invalid identity key %q", key)
	}
}

// nullableUser and nullableIP feed the denormalized user_id/guest_ip columns.
func (i Identity) nullableUser() *int64 {
	if i.UserID == 0 {
		return nil
	}
	id := i.UserID
	return &id
}

func (i Identity) nullableIP() *string {
	if i.UserID != 0 || i.GuestIP == "" {
		return nil
	}
	ip := i.GuestIP
	return &ip
}

// Owner is embedded by every identity-keyed table.
type Owner struct {
	IdentityKey string  `gorm:"size:96;not null;index" json:"identity_key"`
	UserID      *int64  `gorm:"index" json:"user_id,omitempty"`
	GuestIP     *string `gorm:"size:64" json:"guest_ip,omitempty"`
}

func OwnerOf(id Identity) Owner {
	return Owner{IdentityKey: id.Key(), UserID: id.nullableUser(), GuestIP: id.nullableIP()}
}

func (o Owner) Identity() Identity {
	if o.UserID != nil {
		return UserIdentity(*o.UserID)
	}
	if o.GuestIP != nil {
		return GuestIdentity(*o.GuestIP)
	}
	id, _ := ParseIdentityKey(o.IdentityKey)
	return id
}

type CreditAccount struct {
	ID          int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	IdentityKey string  `gorm:"size:96;not null;uniqueIndex" json:"identity_key"`
	UserID      *int64  `gorm:"index" json:"user_id,omitempty"`
	GuestIP     *string `gorm:"size:64" json:"guest_ip,omitempty"`
	Credits     int     `gorm:"not null;default:0" json:"credits"`
	TrialCount  int     `gorm:"not null;default:0" json:"trial_count"`
	UsedTrial   bool    `gorm:"not null;default:false" json:"used_trial"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TransactionType string

const (
	TxPurchase        TransactionType = "purchase"
	TxDeduction       TransactionType = "deduction"
	TxRefund          TransactionType = "refund"
	TxMissionReward   TransactionType = "mission_reward"
	TxAdminAdjustment TransactionType = "admin_adjustment"
)

type CreditTransaction struct {
	ID int64 `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	Owner
	Type         TransactionType `gorm:"size:32;not null" json:"type"`
	Amount       int             `gorm:"not null" json:"amount"`
	BalanceAfter int             `gorm:"not null" json:"balance_after"`
	Description  string          `gorm:"size:255" json:"description"`
	ReferenceID  string          `gorm:"size:64;index" json:"reference_id"`
	CreatedAt    time.Time       `gorm:"index" json:"created_at"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCanceled  OrderStatus = "canceled"
)

type Order struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	OrderCode string `gorm:"size:16;not null;uniqueIndex" json:"order_code"`
	Owner
	PackageID      string      `gorm:"size:32;not null" json:"package_id"`
	Amount         int64       `gorm:"not null" json:"amount"`
	Credits        int         `gorm:"not null" json:"credits"`
	Status         OrderStatus `gorm:"size:16;not null;index" json:"status"`
	PaymentMethod  string      `gorm:"size:32;not null" json:"payment_method"`
	TransactionRef string      `gorm:"size:128" json:"transaction_ref,omitempty"`
	CreatedAt      time.Time   `gorm:"index" json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

type GeneratedImage struct {
	ID int64 `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	Owner
	OriginalKey    string    `gorm:"size:255;not null" json:"-"`
	PreviewKey     string    `gorm:"size:255;not null" json:"-"`
	PreviewURL     string    `gorm:"size:512;not null" json:"preview_url"`
	RemoteFileURI  string    `gorm:"size:512" json:"-"`
	RemoteMimeType string    `gorm:"size:64" json:"-"`
	Prompt         string    `gorm:"type:text" json:"prompt"`
	Style          string    `gorm:"size:64" json:"style"`
	IsUnlocked     bool      `gorm:"not null;default:false" json:"is_unlocked"`
	CreditsUsed    int       `gorm:"not null;default:0" json:"credits_used"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}

type Mission struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Title         string    `gorm:"size:255;not null" json:"title"`
	Description   string    `gorm:"type:text" json:"description"`
	RewardCredits int       `gorm:"not null" json:"reward"`
	DailyLimit    int       `gorm:"not null;default:0" json:"daily_limit"`
	IsActive      bool      `gorm:"not null" json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

type MissionLog struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	OTPCode     string    `gorm:"column:otp_code;size:16;not null;uniqueIndex:idx_mission_logs_code"`
	MissionID   int64     `gorm:"not null;uniqueIndex:idx_mission_logs_code"`
	IdentityKey string    `gorm:"size:96;not null"`
	VerifiedAt  time.Time `gorm:"not null;index"`
}

type MissionStat struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	MissionID int64  `gorm:"not null;uniqueIndex:idx_mission_stats_day" json:"mission_id"`
	Day       string `gorm:"size:10;not null;uniqueIndex:idx_mission_stats_day" json:"day"`
	Views     int    `gorm:"not null;default:0" json:"views"`
	Completed int    `gorm:"not null;default:0" json:"completed"`
}

type Style struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug       string    `gorm:"size:96;not null;uniqueIndex" json:"slug"`
	Title      string    `gorm:"size:255;not null" json:"title"`
	PromptText string    `gorm:"type:text;not null" json:"prompt_text,omitempty"`
	IsActive   bool      `gorm:"not null" json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
