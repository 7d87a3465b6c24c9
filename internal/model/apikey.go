package model

import "time"

// APIKey is a scoped credential. Only a one-way hash of the secret is kept.
type APIKey struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	SecretHash  string     `json:"-"`
	Permissions []string   `json:"permissions"`
	Revoked     bool       `json:"revoked"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// PermissionAll grants every permission
const PermissionAll = "*"

// API key permissions
const (
	PermissionAuditRead    = "audit:read"
	PermissionAlertsRead   = "alerts:read"
	PermissionAlertsWrite  = "alerts:write"
	PermissionKeysManage   = "apikeys:manage"
	PermissionSecretsRead  = "secrets:read"
	PermissionSecretsWrite = "secrets:write"
)

// HasPermission checks whether the key grants perm
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == PermissionAll || p == perm {
			return true
		}
	}
	return false
}
