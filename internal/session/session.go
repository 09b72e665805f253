// Package session implements the connection handshake state, token
// authentication and quota enforcement, and inactivity teardown
// described for session & auth.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/corelink/internal/ratelimit"
)

// Permission is the access level a token grants.
type Permission int

const (
	PermissionReadOnly Permission = iota
	PermissionReadWrite
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionReadOnly:
		return "ReadOnly"
	case PermissionReadWrite:
		return "ReadWrite"
	case PermissionAdmin:
		return "Admin"
	default:
		return "Unknown"
	}
}

// Quotas bounds one user's resource consumption.
type Quotas struct {
	MaxStorageBytes      int64
	MaxDailyBytes        int64
	MaxFileBytes         int64
	MaxConcurrentTransfers int
}

// User is the identity a token maps to.
type User struct {
	ID          string
	Permission  Permission
	Quotas      Quotas
	storedBytes int64

	dailyBudget *ratelimit.TokenBucket

	mu                 sync.Mutex
	concurrentTransfers int
}

func newUser(id string, perm Permission, quotas Quotas) *User {
	return &User{
		ID:          id,
		Permission:  perm,
		Quotas:      quotas,
		dailyBudget: ratelimit.NewTokenBucket(float64(quotas.MaxDailyBytes)/86400, float64(quotas.MaxDailyBytes)),
	}
}

// Errors returned by quota and permission checks.
var (
	ErrPermissionDenied   = errors.New("session: permission denied")
	ErrQuotaExceeded      = errors.New("session: quota exceeded")
	ErrSessionExpired     = errors.New("session: expired")
	ErrUnknownToken       = errors.New("session: unknown token")
	ErrTooManyConcurrent  = errors.New("session: too many concurrent transfers")
)

// CheckTransferStart validates a proposed transfer against the user's
// permission and quotas, reserving its share of the daily-bytes budget
// and concurrent-transfer slot if it is admitted. The caller must call
// Release when the transfer ends (success or failure) to free the
// concurrency slot; the daily-bytes charge is never refunded, neither
// by Release nor when the transfer fails.
func (u *User) CheckTransferStart(fileBytes int64, write bool) error {
	if write && u.Permission == PermissionReadOnly {
		return ErrPermissionDenied
	}
	if u.Quotas.MaxFileBytes > 0 && fileBytes > u.Quotas.MaxFileBytes {
		return ErrQuotaExceeded
	}

	u.mu.Lock()
	if u.Quotas.MaxConcurrentTransfers > 0 && u.concurrentTransfers >= u.Quotas.MaxConcurrentTransfers {
		u.mu.Unlock()
		return ErrTooManyConcurrent
	}
	if u.Quotas.MaxStorageBytes > 0 && u.storedBytes+fileBytes > u.Quotas.MaxStorageBytes {
		u.mu.Unlock()
		return ErrQuotaExceeded
	}
	u.mu.Unlock()

	if u.Quotas.MaxDailyBytes > 0 && !u.dailyBudget.Allow(float64(fileBytes)) {
		return ErrQuotaExceeded
	}

	u.mu.Lock()
	u.concurrentTransfers++
	u.storedBytes += fileBytes
	u.mu.Unlock()
	return nil
}

// Release frees the concurrency slot a completed or failed transfer
// held; if the transfer never actually wrote fileBytes to storage
// (failed before completion), storedBytes is backed out too.
func (u *User) Release(fileBytes int64, stored bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.concurrentTransfers > 0 {
		u.concurrentTransfers--
	}
	if !stored {
		u.storedBytes -= fileBytes
		if u.storedBytes < 0 {
			u.storedBytes = 0
		}
	}
}

// Capabilities is the client-advertised feature set exchanged during
// the ConnectRequest/ConnectionAccepted handshake.
type Capabilities struct {
	Multipath   bool
	FEC         bool
	Compression bool
	MaxVersion  uint8
}

// Session tracks one connected client: its user, capabilities, and
// activity for inactivity teardown.
type Session struct {
	ID           uuid.UUID
	User         *User
	ClientCaps   Capabilities
	ServerCaps   Capabilities
	CreatedAt    time.Time

	mu           sync.Mutex
	lastActivity time.Time
	torn         bool
	pausedTransfers map[uuid.UUID]bool
}

// Touch records activity, resetting the inactivity clock.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// IsExpired reports whether the session has been idle for at least ttl.
func (s *Session) IsExpired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.torn && now.Sub(s.lastActivity) >= ttl
}

// MarkTornDown flags the session as torn down and returns the set of
// transfer IDs that were active (now paused, resumable on reauth).
func (s *Session) MarkTornDown() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.torn = true
	paused := make([]uuid.UUID, 0, len(s.pausedTransfers))
	for id := range s.pausedTransfers {
		paused = append(paused, id)
	}
	return paused
}

// TrackTransfer records a transfer as belonging to this session, so it
// can be paused and reported as resumable on teardown.
func (s *Session) TrackTransfer(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pausedTransfers == nil {
		s.pausedTransfers = make(map[uuid.UUID]bool)
	}
	s.pausedTransfers[id] = false
}

// UntrackTransfer removes a completed transfer from the session's set.
func (s *Session) UntrackTransfer(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedTransfers, id)
}

// IsTornDown reports the teardown flag.
func (s *Session) IsTornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torn
}

// Store is the token-authenticated, thread-safe session and user
// registry for one endpoint.
type Store struct {
	mu       sync.Mutex
	tokens   map[string]*User // token -> user
	sessions map[uuid.UUID]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tokens:   make(map[string]*User),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// RegisterToken maps an auth token to a user with the given
// permission and quotas, creating the user record if unseen.
func (st *Store) RegisterToken(token, userID string, perm Permission, quotas Quotas) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tokens[token] = newUser(userID, perm, quotas)
}

// Authenticate resolves a token to its user, the first step of the
// ConnectRequest handshake.
func (st *Store) Authenticate(token string) (*User, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.tokens[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	return u, nil
}

// Open completes the handshake by creating a new Session for an
// authenticated user, negotiating server capabilities against the
// client's request (the server never claims a capability the client
// didn't ask for, and never promises one it doesn't itself support).
func (st *Store) Open(user *User, clientCaps Capabilities, serverSupports Capabilities, now time.Time) *Session {
	s := &Session{
		ID:         uuid.New(),
		User:       user,
		ClientCaps: clientCaps,
		ServerCaps: negotiate(clientCaps, serverSupports),
		CreatedAt:  now,
		pausedTransfers: make(map[uuid.UUID]bool),
	}
	s.lastActivity = now

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

func negotiate(client, server Capabilities) Capabilities {
	out := Capabilities{
		Multipath:   client.Multipath && server.Multipath,
		FEC:         client.FEC && server.FEC,
		Compression: client.Compression && server.Compression,
	}
	out.MaxVersion = client.MaxVersion
	if server.MaxVersion < out.MaxVersion {
		out.MaxVersion = server.MaxVersion
	}
	return out
}

// Get returns the session for an ID.
func (st *Store) Get(id uuid.UUID) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// SweepExpired tears down every session idle for at least ttl and
// returns the IDs of transfers now paused and resumable.
func (st *Store) SweepExpired(now time.Time, ttl time.Duration) map[uuid.UUID][]uuid.UUID {
	st.mu.Lock()
	defer st.mu.Unlock()

	result := make(map[uuid.UUID][]uuid.UUID)
	for id, s := range st.sessions {
		if s.IsExpired(now, ttl) {
			result[id] = s.MarkTornDown()
		}
	}
	return result
}

// Reauth resumes a torn-down session's transfers under a fresh session
// for the same user, as allowed by the inactivity-timeout rule: active
// transfers become resumable by the same user on a new session.
func (st *Store) Reauth(oldID uuid.UUID, clientCaps, serverSupports Capabilities, now time.Time) (*Session, []uuid.UUID, error) {
	st.mu.Lock()
	old, ok := st.sessions[oldID]
	st.mu.Unlock()
	if !ok {
		return nil, nil, ErrSessionExpired
	}
	if !old.IsTornDown() {
		return nil, nil, errors.New("session: cannot reauth an active session")
	}

	newSession := st.Open(old.User, clientCaps, serverSupports, now)
	old.mu.Lock()
	resumable := make([]uuid.UUID, 0, len(old.pausedTransfers))
	for id := range old.pausedTransfers {
		resumable = append(resumable, id)
	}
	old.mu.Unlock()
	return newSession, resumable, nil
}
