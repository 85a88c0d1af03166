package session

import (
	"encoding/json"
	"time"
)

// Record is one auth session. Extra holds any additional fields; they are stored
// flat next to the named ones.
type Record struct {
	SessionID    string
	UserID       string
	Email        string
	CompanyID    string
	Role         string
	CreatedAt    time.Time
	LastActivity time.Time
	Extra        map[string]any
}

type recordJSON struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	CompanyID    string    `json:"companyId,omitempty"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

var recordFields = []string{"sessionId", "userId", "email", "companyId", "role", "createdAt", "lastActivity"}

func (r Record) MarshalJSON() ([]byte, error) {
	named, err := json.Marshal(recordJSON{
		SessionID:    r.SessionID,
		UserID:       r.UserID,
		Email:        r.Email,
		CompanyID:    r.CompanyID,
		Role:         r.Role,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	})
	if err != nil || len(r.Extra) == 0 {
		return named, err
	}

	m := make(map[string]any, len(r.Extra)+len(recordFields))
	for k, v := range r.Extra {
		m[k] = v
	}
	// named fields win over extras with the same name
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(named, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		m[k] = v
	}
	return json.Marshal(m)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var named recordJSON
	if err := json.Unmarshal(b, &named); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range recordFields {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}

	*r = Record{
		SessionID:    named.SessionID,
		UserID:       named.UserID,
		Email:        named.Email,
		CompanyID:    named.CompanyID,
		Role:         named.Role,
		CreatedAt:    named.CreatedAt,
		LastActivity: named.LastActivity,
		Extra:        all,
	}
	return nil
}

// JobCampaign is the in-progress state of the multi-step campaign wizard, one per user.
type JobCampaign struct {
	CampaignID    string         `json:"campaignId,omitempty"`
	WizardPayload map[string]any `json:"wizardPayload"`
	CurrentStep   int            `json:"currentStep"`
	LastModified  time.Time      `json:"lastModified"`
	UserID        string         `json:"userId"`
}

// OAuthState is a pending OAuth handshake.
type OAuthState struct {
	Provider  string    `json:"provider"`
	CompanyID string    `json:"companyId"`
	CreatedAt time.Time `json:"createdAt"`
}

type OAuthValidation struct {
	Valid    bool   `json:"valid"`
	Provider string `json:"provider,omitempty"`
}

type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}
