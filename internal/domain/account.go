package domain

import (
	"strings"
	"time"
)

// Account is one identity logged into the external conversational service.
type Account struct {
	ID               string
	Email            string
	Eligible         bool
	BrowserSessionID *string
	ProxyID          *string
	FailureCount     int
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AccountCriteria narrows account selection; empty fields match any account.
type AccountCriteria struct {
	AccountID string
	Email     string
}

func (c AccountCriteria) Normalize() AccountCriteria {
	return AccountCriteria{
		AccountID: strings.TrimSpace(c.AccountID),
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
	}
}
