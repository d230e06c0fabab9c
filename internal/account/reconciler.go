package account

import (
	"encoding/json"

	"github.com/idforge/idforge/internal/model"
)

// Credential is the material obtained from one successful authorization.
type Credential struct {
	AccessToken  string
	RefreshToken string
	IDToken      *string
	ExpiresAt    *string

	ClientID     *string
	ClientSecret *string
	ClientIDHash *string
	Region       *string
	SSOSessionID *string
	ProfileARN   *string
}

// Upsert merges a fresh credential into the store, deduplicating by
// (email, provider). An existing account is updated in place; fields not
// part of this update (e.g. a web-flow CSRF token) are preserved. A new
// account is prepended. The whole store is persisted synchronously before
// returning; a persistence failure is returned alongside the mutated
// account and is not rolled back.
func (s *Store) Upsert(email, provider, label string, cred Credential, usage *model.UsageSnapshot) (model.Account, error) {
	status := model.AccountStatusOK
	if usage != nil && usage.Banned {
		status = model.AccountStatusBanned
	}
	var usageData json.RawMessage
	if usage != nil && usage.Raw != nil {
		usageData = usage.Raw
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	var account model.Account
	if idx := s.find(email, provider); idx >= 0 {
		existing := &s.accounts[idx]
		existing.AccessToken = &cred.AccessToken
		existing.RefreshToken = &cred.RefreshToken
		existing.UserID = usage.UserIdentifier()
		existing.ExpiresAt = cred.ExpiresAt
		if cred.ClientIDHash != nil {
			existing.ClientIDHash = cred.ClientIDHash
		}
		if cred.ClientID != nil {
			existing.ClientID = cred.ClientID
		}
		if cred.ClientSecret != nil {
			existing.ClientSecret = cred.ClientSecret
		}
		if cred.Region != nil {
			existing.Region = cred.Region
		}
		existing.SSOSessionID = cred.SSOSessionID
		existing.IDToken = cred.IDToken
		if cred.ProfileARN != nil {
			existing.ProfileARN = cred.ProfileARN
		}
		if usageData != nil {
			existing.UsageData = usageData
		}
		existing.Status = status
		account = *existing
	} else {
		account = model.NewAccount(email, label)
		account.Provider = &provider
		account.AccessToken = &cred.AccessToken
		account.RefreshToken = &cred.RefreshToken
		account.UserID = usage.UserIdentifier()
		account.ExpiresAt = cred.ExpiresAt
		account.ClientIDHash = cred.ClientIDHash
		account.ClientID = cred.ClientID
		account.ClientSecret = cred.ClientSecret
		account.Region = cred.Region
		account.SSOSessionID = cred.SSOSessionID
		account.IDToken = cred.IDToken
		account.ProfileARN = cred.ProfileARN
		account.UsageData = usageData
		account.Status = status
		s.accounts = append([]model.Account{account}, s.accounts...)
	}

	return account, saveJSON(s.accountsPath(), s.accounts)
}

// find returns the index of the first account matching (email, provider),
// or -1. Caller holds s.mx.
func (s *Store) find(email, provider string) int {
	for i := range s.accounts {
		a := &s.accounts[i]
		if a.Email == email && a.Provider != nil && *a.Provider == provider {
			return i
		}
	}
	return -1
}
