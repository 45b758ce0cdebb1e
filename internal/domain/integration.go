package domain

import "time"

// Integration is one tenant's connection to a CRM portal. It carries the
// OAuth credential set and the last-known lifecycle flags for this
// platform's connector registration on that portal.
//
// Exactly one row exists per (tenant, CRM account); the unique index is on
// (tenant_id, account_id). Rows are never hard-deleted while the tenant is
// subscribed, Status flips to disabled instead.
type Integration struct {
	ID       int64  `json:"id,string" gorm:"primaryKey"`
	TenantId string `json:"tenant_id" gorm:"uniqueIndex:idx_integration_tenant_account"`
	// AccountId is the CRM-side account identifier (member id) reported on
	// install; it distinguishes two portals reachable on the same URL.
	AccountId string `json:"account_id" gorm:"uniqueIndex:idx_integration_tenant_account"`
	// Endpoint is the portal REST base URL, e.g. https://example.bitrix24.com/rest/
	Endpoint string `json:"endpoint"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"`
	// RefreshError holds the last refresh failure reason; empty after a
	// successful refresh. RefreshAt is the time of the last attempt.
	RefreshError string    `json:"refresh_error"`
	RefreshAt    time.Time `json:"refresh_at"`

	// ConnectorId is the stable logical connector name this platform chose
	// for the portal (prefix + tenant), not assigned by the CRM.
	ConnectorId string `json:"connector_id" gorm:"index"`
	Registered  bool   `json:"registered"`
	Activated   bool   `json:"activated"`

	// Settings is a free-form JSON blob (decoded via mapstructure).
	Settings string `json:"settings"`

	Status    string    `json:"status" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Integration) TableName() string {
	return "crm_integration"
}

// TokenValidUntil reports whether the stored access token is still inside
// its bookkept lifetime at the given instant.
func (i *Integration) TokenValidUntil(now time.Time, buffer time.Duration) bool {
	if i.AccessToken == "" || i.TokenExpiry.IsZero() {
		return false
	}
	return i.TokenExpiry.After(now.Add(buffer))
}
