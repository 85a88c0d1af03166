package util

import "strings"

// Key namespaces owned by kvguard. Each component writes only under its own.
const (
	CacheSpace       = "cache:"
	RateLimitSpace   = "rate_limit:"
	SessionSpace     = "session:"
	UserSessionSpace = "user_session:"
	JobCampaignSpace = "job_campaign:"
	OAuthStateSpace  = "oauth_state:"
)

// Keyspace builds storage keys under a configurable root (e.g. "app:prod:").
// The zero value builds keys without a root.
type Keyspace struct {
	Root string
}

func (k Keyspace) Cache(prefix, key string) string { return k.Root + CacheSpace + prefix + key }

func (k Keyspace) RateLimit(identifier string) string { return k.Root + RateLimitSpace + identifier }

func (k Keyspace) Session(id string) string { return k.Root + SessionSpace + id }

func (k Keyspace) UserSession(userID string) string { return k.Root + UserSessionSpace + userID }

func (k Keyspace) JobCampaign(userID string) string { return k.Root + JobCampaignSpace + userID }

func (k Keyspace) OAuthState(companyID, state string) string {
	return k.Root + OAuthStateSpace + companyID + ":" + state
}

// Pattern returns a KEYS glob for everything under space+prefix.
// Glob metacharacters in prefix are escaped.
func (k Keyspace) Pattern(space, prefix string) string {
	return escapeGlob(k.Root+space+prefix) + "*"
}

// Glob is Pattern with a caller-supplied glob in place of the trailing "*".
func (k Keyspace) Glob(space, prefix, pattern string) string {
	return escapeGlob(k.Root+space+prefix) + pattern
}

// Strip removes root+space+prefix from a full storage key.
func (k Keyspace) Strip(space, prefix, full string) string {
	return strings.TrimPrefix(full, k.Root+space+prefix)
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
