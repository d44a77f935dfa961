package auth

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mailtriage/email-agent/pkg/logging"
)

// CookieName is the session cookie. It carries only the sealed session id;
// tokens stay in server memory.
const CookieName = "email_agent_session"

// Access tokens within this margin of expiry are treated as expired.
const expiryMargin = 5 * time.Minute

// ErrSessionNotFound covers missing, tampered and unknown session cookies.
var ErrSessionNotFound = errors.New("session not found")

// Session is what the server keeps per signed-in browser.
type Session struct {
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	UserName       string
	UserEmail      string
}

// TokenExpired reports whether the access token expires within five
// minutes of now.
func (s *Session) TokenExpired(now time.Time) bool {
	return !now.Before(s.TokenExpiresAt.Add(-expiryMargin))
}

// Identity is the best label for logs.
func (s *Session) Identity() string {
	switch {
	case s.UserEmail != "":
		return s.UserEmail
	case s.UserName != "":
		return s.UserName
	default:
		return "authenticated"
	}
}

type entry struct {
	session  Session
	lastSeen time.Time
}

// StoreOptions configure a Store.
type StoreOptions struct {
	// MaxIdle is how long an unused session survives the janitor.
	MaxIdle time.Duration
	Logger  *logging.Logger
	// OnChange receives the session count after every create, delete and
	// prune.
	OnChange func(active int)
}

// Store is the in-memory session table. Everything is lost on restart,
// which is why the service runs as one instance behind a sticky cookie.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	aead     cipher.AEAD
	maxIdle  time.Duration
	logger   *logging.Logger
	onChange func(int)
	now      func() time.Time
}

// NewStore derives the cookie key from secret with SHA-256.
func NewStore(secret string, opts StoreOptions) (*Store, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create session cipher: %w", err)
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Store{
		sessions: make(map[string]*entry),
		aead:     aead,
		maxIdle:  opts.MaxIdle,
		logger:   opts.Logger.Named("session"),
		onChange: opts.OnChange,
		now:      time.Now,
	}, nil
}

// Create stores s under a new random id and returns the cookie value.
func (st *Store) Create(s Session) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(raw)

	cookie, err := st.seal(id)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	st.sessions[id] = &entry{session: s, lastSeen: st.now()}
	n := len(st.sessions)
	st.mu.Unlock()

	st.logger.Info("session.created", map[string]interface{}{"active_sessions": n})
	st.changed(n)
	return cookie, nil
}

// Get returns a copy of the session behind cookie.
func (st *Store) Get(cookie string) (*Session, error) {
	id, err := st.open(cookie)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.lastSeen = st.now()
	s := e.session
	return &s, nil
}

// Update replaces the session behind cookie, e.g. after a token refresh.
func (st *Store) Update(cookie string, s Session) error {
	id, err := st.open(cookie)
	if err != nil {
		return ErrSessionNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	e.session = s
	e.lastSeen = st.now()
	return nil
}

// Delete drops the session behind cookie. Unknown cookies are ignored.
func (st *Store) Delete(cookie string) {
	id, err := st.open(cookie)
	if err != nil {
		return
	}
	st.mu.Lock()
	delete(st.sessions, id)
	n := len(st.sessions)
	st.mu.Unlock()
	st.changed(n)
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Prune removes sessions idle for longer than MaxIdle and returns how many
// went.
func (st *Store) Prune() int {
	cutoff := st.now().Add(-st.maxIdle)

	st.mu.Lock()
	removed := 0
	for id, e := range st.sessions {
		if e.lastSeen.Before(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	n := len(st.sessions)
	st.mu.Unlock()

	if removed > 0 {
		st.logger.Info("session.pruned", map[string]interface{}{
			"removed":         removed,
			"active_sessions": n,
		})
		st.changed(n)
	}
	return removed
}

// Janitor prunes idle sessions every interval until ctx is done.
func (st *Store) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Prune()
		}
	}
}

func (st *Store) changed(n int) {
	if st.onChange != nil {
		st.onChange(n)
	}
}

func (st *Store) seal(id string) (string, error) {
	nonce := make([]byte, st.aead.NonceSize(), st.aead.NonceSize()+len(id)+st.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(st.aead.Seal(nonce, nonce, []byte(id), nil)), nil
}

func (st *Store) open(cookie string) (string, error) {
	if cookie == "" {
		return "", ErrSessionNotFound
	}
	data, err := base64.RawURLEncoding.DecodeString(cookie)
	if err != nil || len(data) < st.aead.NonceSize()+st.aead.Overhead() {
		st.logger.Warn("session.decode_failed", map[string]interface{}{"error_type": "malformed"})
		return "", ErrSessionNotFound
	}
	nonce, sealed := data[:st.aead.NonceSize()], data[st.aead.NonceSize():]
	id, err := st.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		st.logger.Warn("session.decode_failed", map[string]interface{}{"error_type": "invalid_seal"})
		return "", ErrSessionNotFound
	}
	return string(id), nil
}

// NewState returns a random OAuth state value.
func NewState() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
