package connector

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/nacl/box"
)

// AskGetMode controls default file pre-selection in future consent prompts.
type AskGetMode string

const (
	AskGetSingle   AskGetMode = "single"
	AskGetMultiple AskGetMode = "multiple"
)

// ScopedPermission limits which vaults a client may access. When AllFiles
// is set the id set is ignored.
type ScopedPermission struct {
	AllFiles bool
	FileIDs  map[string]struct{}
	AskGet   AskGetMode
}

func (p *ScopedPermission) clone() *ScopedPermission {
	if p == nil {
		return nil
	}
	c := &ScopedPermission{AllFiles: p.AllFiles, AskGet: p.AskGet}
	if p.FileIDs != nil {
		c.FileIDs = make(map[string]struct{}, len(p.FileIDs))
		for id := range p.FileIDs {
			c.FileIDs[id] = struct{}{}
		}
	}
	return c
}

// PermissionPatch is a partial scoped-permission update. Nil fields are
// left unchanged.
type PermissionPatch struct {
	AllFiles *bool
	FileIDs  []string
	AskGet   *AskGetMode
}

// ConnectionMeta describes the transport connection a client arrived on.
// It is supplied by the transport layer at handshake time.
type ConnectionMeta struct {
	ConnectionID  string
	ExtensionName string
	AppName       string

	// SingleClient marks transports that carry exactly one logical client;
	// a new handshake on such a transport clears all prior sessions.
	SingleClient bool

	// NativeHost marks connections arriving through a native-host channel,
	// whose extension identity can be spoofed at the OS boundary.
	NativeHost bool
}

// SessionStats tracks per-session usage counters.
type SessionStats struct {
	ConnectedAt        time.Time
	CredentialsRead    int
	CredentialsWritten int
}

// ClientSession holds one client's cryptographic material and state.
// Secret key material never leaves the registry/codec boundary: the
// session exposes only the public key, and mutation happens exclusively
// through SessionRegistry methods.
type ClientSession struct {
	clientID        string
	declaredVersion string
	meta            ConnectionMeta

	peerPublicKey *[32]byte
	ownPublicKey  *[32]byte
	ownSecretKey  *[32]byte

	mu               sync.RWMutex
	stats            SessionStats
	permission       *ScopedPermission
	permissionDenied bool
}

func (s *ClientSession) ClientID() string     { return s.clientID }
func (s *ClientSession) Version() string      { return s.declaredVersion }
func (s *ClientSession) Meta() ConnectionMeta { return s.meta }

// PublicKey returns a copy of the session's own ephemeral public key.
func (s *ClientSession) PublicKey() []byte {
	key := make([]byte, 32)
	copy(key, s.ownPublicKey[:])
	return key
}

// Permission returns a copy of the session's scoped permission, or nil.
func (s *ClientSession) Permission() *ScopedPermission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permission.clone()
}

func (s *ClientSession) PermissionDenied() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissionDenied
}

func (s *ClientSession) statsCopy() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// SessionInfo is the secret-free projection used for session listings.
type SessionInfo struct {
	ClientID           string     `json:"clientID"`
	ConnectionID       string     `json:"connectionID"`
	ExtensionName      string     `json:"extensionName"`
	AppName            string     `json:"appName"`
	Version            string     `json:"version"`
	ConnectedAt        time.Time  `json:"connectedAt"`
	CredentialsRead    int        `json:"credentialsRead"`
	CredentialsWritten int        `json:"credentialsWritten"`
	AllFiles           bool       `json:"allFiles"`
	FileIDs            []string   `json:"fileIds,omitempty"`
	AskGet             AskGetMode `json:"askGet,omitempty"`
	PermissionDenied   bool       `json:"permissionDenied"`
}

// SessionRegistry owns all active client sessions. Session-set changes
// are announced on the event bus.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
	bus      EventBus
}

func NewSessionRegistry(bus EventBus) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*ClientSession),
		bus:      bus,
	}
}

// Register creates a session for a new client, generating a fresh
// ephemeral keypair. A second handshake for a known clientID is rejected,
// never merged. On single-client transports all prior sessions are
// cleared first.
func (r *SessionRegistry) Register(clientID string, meta ConnectionMeta, peerPublicKey []byte, version string) (*ClientSession, error) {
	if clientID == "" || len(peerPublicKey) != 32 {
		return nil, ErrEmptyPayload
	}

	r.mu.Lock()
	if meta.SingleClient && len(r.sessions) > 0 {
		r.sessions = make(map[string]*ClientSession)
	}
	if _, exists := r.sessions[clientID]; exists {
		r.mu.Unlock()
		return nil, ErrRekeyNotAllowed
	}

	ownPublic, ownSecret, err := box.GenerateKey(rand.Reader)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	peer := new([32]byte)
	copy(peer[:], peerPublicKey)

	sess := &ClientSession{
		clientID:        clientID,
		declaredVersion: version,
		meta:            meta,
		peerPublicKey:   peer,
		ownPublicKey:    ownPublic,
		ownSecretKey:    ownSecret,
		stats:           SessionStats{ConnectedAt: time.Now()},
	}
	r.sessions[clientID] = sess
	r.mu.Unlock()

	log.Info().
		Str("client_id", clientID).
		Str("extension", meta.ExtensionName).
		Str("connection_id", meta.ConnectionID).
		Msg("Client session registered")

	r.notifyChanged()
	return sess, nil
}

// Lookup returns the session for clientID.
func (r *SessionRegistry) Lookup(clientID string) (*ClientSession, error) {
	r.mu.RLock()
	sess, ok := r.sessions[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotConnected
	}
	return sess, nil
}

// Remove drops a session. Removing an absent client is a no-op.
func (r *SessionRegistry) Remove(clientID string) {
	r.mu.Lock()
	_, existed := r.sessions[clientID]
	delete(r.sessions, clientID)
	r.mu.Unlock()

	if existed {
		log.Debug().Str("client_id", clientID).Msg("Client session removed")
		r.notifyChanged()
	}
}

// RemoveByConnection drops every session attached to a transport
// connection, typically on disconnect notification.
func (r *SessionRegistry) RemoveByConnection(connectionID string) {
	r.mu.Lock()
	removed := 0
	for id, sess := range r.sessions {
		if sess.meta.ConnectionID == connectionID {
			delete(r.sessions, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		log.Debug().
			Str("connection_id", connectionID).
			Int("removed", removed).
			Msg("Sessions removed for connection")
		r.notifyChanged()
	}
}

// ListSessions returns the secret-free projection of all sessions,
// most recently connected first.
func (r *SessionRegistry) ListSessions() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		stats := sess.statsCopy()
		info := SessionInfo{
			ClientID:           sess.clientID,
			ConnectionID:       sess.meta.ConnectionID,
			ExtensionName:      sess.meta.ExtensionName,
			AppName:            sess.meta.AppName,
			Version:            sess.declaredVersion,
			ConnectedAt:        stats.ConnectedAt,
			CredentialsRead:    stats.CredentialsRead,
			CredentialsWritten: stats.CredentialsWritten,
			PermissionDenied:   sess.PermissionDenied(),
		}
		if p := sess.Permission(); p != nil {
			info.AllFiles = p.AllFiles
			info.AskGet = p.AskGet
			for id := range p.FileIDs {
				info.FileIDs = append(info.FileIDs, id)
			}
			sort.Strings(info.FileIDs)
		}
		infos = append(infos, info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.After(infos[j].ConnectedAt)
	})
	return infos
}

// SetPermission merges a partial update into an existing permission.
// Sessions without a permission are left untouched.
func (r *SessionRegistry) SetPermission(clientID string, patch PermissionPatch) error {
	sess, err := r.Lookup(clientID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.permission == nil {
		sess.mu.Unlock()
		return nil
	}
	if patch.AllFiles != nil {
		sess.permission.AllFiles = *patch.AllFiles
	}
	if patch.FileIDs != nil {
		ids := make(map[string]struct{}, len(patch.FileIDs))
		for _, id := range patch.FileIDs {
			ids[id] = struct{}{}
		}
		sess.permission.FileIDs = ids
	}
	if patch.AskGet != nil {
		sess.permission.AskGet = *patch.AskGet
	}
	sess.mu.Unlock()

	r.notifyChanged()
	return nil
}

// grantPermission installs a consent decision on the session.
func (r *SessionRegistry) grantPermission(sess *ClientSession, perm *ScopedPermission) {
	sess.mu.Lock()
	sess.permission = perm.clone()
	sess.permissionDenied = false
	sess.mu.Unlock()
	r.notifyChanged()
}

// markDenied records a rejected consent decision on the session.
func (r *SessionRegistry) markDenied(sess *ClientSession) {
	sess.mu.Lock()
	sess.permissionDenied = true
	sess.mu.Unlock()
	r.notifyChanged()
}

// markRead increments the credentials-read counter.
func (r *SessionRegistry) markRead(sess *ClientSession, n int) {
	sess.mu.Lock()
	sess.stats.CredentialsRead += n
	sess.mu.Unlock()
}

// markWritten increments the credentials-written counter.
func (r *SessionRegistry) markWritten(sess *ClientSession, n int) {
	sess.mu.Lock()
	sess.stats.CredentialsWritten += n
	sess.mu.Unlock()
}

func (r *SessionRegistry) notifyChanged() {
	if r.bus != nil {
		r.bus.Emit(EventSessionsChanged)
	}
}
