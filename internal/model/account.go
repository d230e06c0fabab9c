package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	AccountStatusOK     = "ok"
	AccountStatusBanned = "banned"

	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"

	// TimestampLayout is the human-facing layout used in stored records.
	TimestampLayout = "2006/01/02 15:04:05"
)

// Account is one provisioned service account. Uniqueness by
// (Email, Provider) is enforced by the reconciler, not by the store.
type Account struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	Label        string  `json:"label"`
	Provider     *string `json:"provider,omitempty"`
	UserID       *string `json:"userId,omitempty"`
	AccessToken  *string `json:"accessToken,omitempty"`
	RefreshToken *string `json:"refreshToken,omitempty"`
	IDToken      *string `json:"idToken,omitempty"`
	ExpiresAt    *string `json:"expiresAt,omitempty"`

	// Provider linkage for refreshing the grant later.
	ClientID     *string `json:"clientId,omitempty"`
	ClientSecret *string `json:"clientSecret,omitempty"`
	ClientIDHash *string `json:"clientIdHash,omitempty"`
	Region       *string `json:"region,omitempty"`
	SSOSessionID *string `json:"ssoSessionId,omitempty"`

	// CSRFToken belongs to the web login flow; device-grant updates must
	// leave it untouched.
	CSRFToken  *string `json:"csrfToken,omitempty"`
	ProfileARN *string `json:"profileArn,omitempty"`

	Status    string          `json:"status"`
	UsageData json.RawMessage `json:"usageData,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

// NewAccount builds an account with a fresh id and ok status.
func NewAccount(email, label string) Account {
	return Account{
		ID:        uuid.NewString(),
		Email:     email,
		Label:     label,
		Status:    AccountStatusOK,
		CreatedAt: time.Now().Format(TimestampLayout),
	}
}

// RegistrationRecord is one immutable history entry, created per
// credential-disclosure pair or per completed authorization.
type RegistrationRecord struct {
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	Email     string  `json:"email"`
	Password  string  `json:"password"`
	Status    string  `json:"status"` // "success" | "failed"
	Error     *string `json:"error,omitempty"`
	AccountID *string `json:"accountId,omitempty"`
}

func NewRegistrationRecord(email, password, status string) RegistrationRecord {
	return RegistrationRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().Format(TimestampLayout),
		Email:     email,
		Password:  password,
		Status:    status,
	}
}

// UsageSnapshot is the provider's usage/profile payload fetched right after
// a successful authorization. Only the fields this process inspects are
// typed; the raw payload is stored verbatim on the account.
type UsageSnapshot struct {
	UserInfo *UsageUserInfo `json:"userInfo,omitempty"`
	Banned   bool           `json:"banned,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

type UsageUserInfo struct {
	Email  *string `json:"email,omitempty"`
	UserID *string `json:"userId,omitempty"`
}

// Identity returns the snapshot's email, or empty when absent.
func (u *UsageSnapshot) Identity() string {
	if u == nil || u.UserInfo == nil || u.UserInfo.Email == nil {
		return ""
	}
	return *u.UserInfo.Email
}

// UserIdentifier returns the snapshot's user id, or nil when absent.
func (u *UsageSnapshot) UserIdentifier() *string {
	if u == nil || u.UserInfo == nil {
		return nil
	}
	return u.UserInfo.UserID
}
