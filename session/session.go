// Package session stores auth sessions, wizard state and OAuth handshake tokens
// with TTLs. Session reads slide the expiry of both the record and the
// user -> session pointer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/breaker"
	"github.com/unkn0wn-root/kvguard/conn"
	"github.com/unkn0wn-root/kvguard/internal/remote"
	"github.com/unkn0wn-root/kvguard/internal/util"
)

const (
	defaultTTL            = 24 * time.Hour
	defaultJobCampaignTTL = 7 * 24 * time.Hour
	defaultOAuthStateTTL  = 10 * time.Minute
	defaultActiveWindow   = time.Hour
	statsBatch            = 200
)

var (
	ErrNilSource = errors.New("session: nil source")

	errGone = errors.New("session: deleted concurrently")
)

type Options struct {
	Source  conn.Source
	Breaker *breaker.Breaker
	KeyRoot string

	TTL            time.Duration // 0 => 24h
	JobCampaignTTL time.Duration // 0 => 7d
	OAuthStateTTL  time.Duration // 0 => 10m
	// Sessions with activity inside this window count as active in Stats. 0 => 1h
	ActiveWindow time.Duration

	Logger kvguard.Logger
}

type Manager struct {
	src          conn.Source
	br           *breaker.Breaker
	keys         util.Keyspace
	ttl          time.Duration
	jobTTL       time.Duration
	oauthTTL     time.Duration
	activeWindow time.Duration
	log          kvguard.Logger
	now          func() time.Time
	newID        func() string
}

func New(opts Options) (*Manager, error) {
	if opts.Source == nil {
		return nil, ErrNilSource
	}
	return &Manager{
		src:          opts.Source,
		br:           opts.Breaker,
		keys:         util.Keyspace{Root: opts.KeyRoot},
		ttl:          util.Coalesce(opts.TTL, defaultTTL),
		jobTTL:       util.Coalesce(opts.JobCampaignTTL, defaultJobCampaignTTL),
		oauthTTL:     util.Coalesce(opts.OAuthStateTTL, defaultOAuthStateTTL),
		activeWindow: util.Coalesce(opts.ActiveWindow, defaultActiveWindow),
		log:          util.Coalesce[kvguard.Logger](opts.Logger, kvguard.NopLogger{}),
		now:          time.Now,
		newID:        uuid.NewString,
	}, nil
}

func (m *Manager) do(ctx context.Context, fn remote.Fn) error {
	return remote.Do(ctx, m.src, m.br, fn)
}

func (m *Manager) fail(op, key string, err error) {
	f := kvguard.Fields{"op": op, "key": key, "err": err}
	if errors.Is(err, kvguard.ErrCircuitOpen) {
		m.log.Debug("session op skipped", f)
		return
	}
	m.log.Warn("session op failed", f)
}

// Create stores data under a fresh session id along with the user -> session
// pointer. SessionID, CreatedAt and LastActivity in data are overwritten.
func (m *Manager) Create(ctx context.Context, data Record) (string, error) {
	now := m.now()
	data.SessionID = m.newID()
	data.CreatedAt = now
	data.LastActivity = now

	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("session: encode: %w", err)
	}
	sk := m.keys.Session(data.SessionID)
	err = m.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, sk, b, m.ttl)
			if data.UserID != "" {
				p.Set(ctx, m.keys.UserSession(data.UserID), data.SessionID, m.ttl)
			}
			return nil
		})
		return err
	})
	if err != nil {
		m.fail("create", sk, err)
		return "", fmt.Errorf("session: create: %w", err)
	}
	return data.SessionID, nil
}

// Get returns the session and slides its expiry. A failed refresh still returns
// the record; a session deleted between the read and the refresh reads as missing.
func (m *Manager) Get(ctx context.Context, id string) (*Record, bool) {
	sk := m.keys.Session(id)
	b, ok := m.read(ctx, "get", sk)
	if !ok {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		m.log.Warn("session decode failed", kvguard.Fields{"key": sk, "err": err})
		return nil, false
	}

	rec.LastActivity = m.now()
	if err := m.write(ctx, rec, rec.UserID); err != nil {
		if errors.Is(err, errGone) {
			return nil, false
		}
		m.fail("refresh", sk, err)
	}
	return &rec, true
}

// Update merges patch into the stored record at the field level and refreshes the
// TTL. It reports false when the session does not exist. The session id cannot be
// patched; a changed userId moves the reverse pointer.
func (m *Manager) Update(ctx context.Context, id string, patch map[string]any) bool {
	sk := m.keys.Session(id)
	b, ok := m.read(ctx, "update", sk)
	if !ok {
		return false
	}

	var (
		old    Record
		fields map[string]any
	)
	if err := json.Unmarshal(b, &old); err != nil {
		m.log.Warn("session decode failed", kvguard.Fields{"key": sk, "err": err})
		return false
	}
	_ = json.Unmarshal(b, &fields)
	for k, v := range patch {
		fields[k] = v
	}
	fields["sessionId"] = id

	var rec Record
	merged, err := json.Marshal(fields)
	if err == nil {
		err = json.Unmarshal(merged, &rec)
	}
	if err != nil {
		m.log.Warn("session patch rejected", kvguard.Fields{"key": sk, "err": err})
		return false
	}
	rec.LastActivity = m.now()

	if err := m.write(ctx, rec, old.UserID); err != nil {
		if !errors.Is(err, errGone) {
			m.fail("update", sk, err)
		}
		return false
	}
	return true
}

// Delete removes the session and, when it still points here, the user pointer.
// It reports whether the session existed.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	sk := m.keys.Session(id)
	var n int64
	err := m.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var rec Record
		b, err := rdb.Get(ctx, sk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			return nil
		case err != nil:
			return err
		}
		_ = json.Unmarshal(b, &rec)

		var pointer string
		if rec.UserID != "" {
			pointer, err = rdb.Get(ctx, m.keys.UserSession(rec.UserID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
		}
		var del *redis.IntCmd
		_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			del = p.Del(ctx, sk)
			if pointer == id {
				p.Del(ctx, m.keys.UserSession(rec.UserID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		n = del.Val()
		return nil
	})
	if err != nil {
		m.fail("delete", sk, err)
		return false
	}
	return n > 0
}

// UserSession returns the current session id for userID.
func (m *Manager) UserSession(ctx context.Context, userID string) (string, bool) {
	b, ok := m.read(ctx, "user_session", m.keys.UserSession(userID))
	if !ok {
		return "", false
	}
	return string(b), true
}

// SaveJobCampaign replaces the wizard state for userID.
func (m *Manager) SaveJobCampaign(ctx context.Context, userID string, jc JobCampaign) bool {
	jc.UserID = userID
	jc.LastModified = m.now()
	return m.put(ctx, "save_job_campaign", m.keys.JobCampaign(userID), jc, m.jobTTL)
}

func (m *Manager) JobCampaign(ctx context.Context, userID string) (*JobCampaign, bool) {
	key := m.keys.JobCampaign(userID)
	b, ok := m.read(ctx, "job_campaign", key)
	if !ok {
		return nil, false
	}
	var jc JobCampaign
	if err := json.Unmarshal(b, &jc); err != nil {
		m.log.Warn("job campaign decode failed", kvguard.Fields{"key": key, "err": err})
		return nil, false
	}
	return &jc, true
}

func (m *Manager) DeleteJobCampaign(ctx context.Context, userID string) bool {
	return m.del(ctx, "delete_job_campaign", m.keys.JobCampaign(userID))
}

// StoreOAuthState records a pending handshake for (companyID, state).
func (m *Manager) StoreOAuthState(ctx context.Context, companyID, state, provider string) bool {
	rec := OAuthState{Provider: provider, CompanyID: companyID, CreatedAt: m.now()}
	return m.put(ctx, "store_oauth_state", m.keys.OAuthState(companyID, state), rec, m.oauthTTL)
}

// ValidateOAuthState consumes the handshake for (companyID, state). The record is
// deleted by the same GETDEL that reads it, so a state validates at most once.
func (m *Manager) ValidateOAuthState(ctx context.Context, companyID, state string) OAuthValidation {
	key := m.keys.OAuthState(companyID, state)
	var b []byte
	err := m.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		b, err = rdb.GetDel(ctx, key).Bytes()
		return err
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.fail("validate_oauth_state", key, err)
		}
		return OAuthValidation{}
	}

	var rec OAuthState
	if err := json.Unmarshal(b, &rec); err != nil || rec.CompanyID != companyID {
		m.log.Warn("oauth state rejected", kvguard.Fields{"key": key, "err": err})
		return OAuthValidation{}
	}
	return OAuthValidation{Valid: true, Provider: rec.Provider}
}

// Stats counts stored sessions and those active within the active window.
// Uses KEYS; operator use only.
func (m *Manager) Stats(ctx context.Context) Stats {
	var st Stats
	pattern := m.keys.Pattern(util.SessionSpace, "")
	cutoff := m.now().Add(-m.activeWindow)

	err := m.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		keys, err := rdb.Keys(ctx, pattern).Result()
		if err != nil {
			return err
		}
		st.Total = len(keys)

		for start := 0; start < len(keys); start += statsBatch {
			end := min(start+statsBatch, len(keys))
			cmds, err := rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
				for _, k := range keys[start:end] {
					p.Get(ctx, k)
				}
				return nil
			})
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			for _, c := range cmds {
				b, err := c.(*redis.StringCmd).Bytes()
				if err != nil {
					continue
				}
				var rec Record
				if json.Unmarshal(b, &rec) == nil && rec.LastActivity.After(cutoff) {
					st.Active++
				}
			}
		}
		return nil
	})
	if err != nil {
		m.fail("stats", pattern, err)
		return Stats{}
	}
	return st
}

// write rewrites an existing session and re-applies the TTL to both keys. It returns
// errGone, leaving both keys alone, when the session was deleted after it was read.
// The user pointer is only rewritten when the owner changed from prevUserID;
// otherwise its TTL is refreshed so a read of an older session cannot steal it.
func (m *Manager) write(ctx context.Context, rec Record, prevUserID string) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = m.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		ok, err := rdb.SetXX(ctx, m.keys.Session(rec.SessionID), b, m.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return redis.Nil
		}
		_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if prevUserID != "" && prevUserID != rec.UserID {
				p.Del(ctx, m.keys.UserSession(prevUserID))
			}
			switch {
			case rec.UserID == "":
			case rec.UserID != prevUserID:
				p.Set(ctx, m.keys.UserSession(rec.UserID), rec.SessionID, m.ttl)
			default:
				p.Expire(ctx, m.keys.UserSession(rec.UserID), m.ttl)
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.Nil) {
		return errGone
	}
	return err
}

func (m *Manager) read(ctx context.Context, op, key string) ([]byte, bool) {
	var b []byte
	err := m.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		b, err = rdb.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.fail(op, key, err)
		}
		return nil, false
	}
	return b, true
}

func (m *Manager) put(ctx context.Context, op, key string, v any, ttl time.Duration) bool {
	b, err := json.Marshal(v)
	if err != nil {
		m.log.Warn("session encode failed", kvguard.Fields{"op": op, "key": key, "err": err})
		return false
	}
	err = m.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Set(ctx, key, b, ttl).Err()
	})
	if err != nil {
		m.fail(op, key, err)
		return false
	}
	return true
}

func (m *Manager) del(ctx context.Context, op, key string) bool {
	var n int64
	err := m.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		n, err = rdb.Del(ctx, key).Result()
		return err
	})
	if err != nil {
		m.fail(op, key, err)
		return false
	}
	return n > 0
}
