package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPromptTimeout bounds every suspension point in the consent flow:
// the vault-unlock wait and the consent-decision wait. Expiry always
// resolves to a rejection, never to an indefinitely pending operation.
const DefaultPromptTimeout = 60 * time.Second

// VaultInfo describes one vault known to the host application.
type VaultInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// GroupNode is one node of a vault's group tree.
type GroupNode struct {
	UUID     string      `json:"uuid"`
	Name     string      `json:"name"`
	Children []GroupNode `json:"children,omitempty"`
}

// VaultModel is the vault/database engine collaborator. The connector
// never touches vault internals directly.
type VaultModel interface {
	HasOpenVaults() bool
	ListVaults() []VaultInfo
	// UnlockAnyVault asks the host to get at least one vault unlocked,
	// blocking until unlock or ctx expiry.
	UnlockAnyVault(ctx context.Context, reason string) error
	GroupTree(vaultID string) (GroupNode, error)
	CreateGroup(vaultID, parentUUID, name string) (GroupNode, error)
	FindLogins(vaultIDs []string, url, submitURL string, httpAuth bool) ([]LoginEntry, error)
	TOTP(vaultIDs []string, entryUUID string) (string, error)
	ContentHash() (string, error)
	LockAll() error
}

// VaultChoice is one candidate vault in a consent prompt, with its
// default checked state.
type VaultChoice struct {
	ID      string
	Name    string
	Checked bool
}

// ConnectRequest is the consent request presented to the user.
type ConnectRequest struct {
	ExtensionName string
	AppName       string

	// IdentityVerified is true only when no native-host channel exists:
	// native-host identity can be spoofed at the OS boundary.
	IdentityVerified bool

	Vaults []VaultChoice
	AskGet AskGetMode
}

// ConnectDecision is the user's answer to a ConnectRequest.
type ConnectDecision struct {
	Granted  bool
	AllFiles bool
	FileIDs  []string
	AskGet   AskGetMode
}

// ConsentUI renders consent prompts. Implementations must honor context
// cancellation; the gate's timeout arrives as the context deadline.
type ConsentUI interface {
	PromptConnect(ctx context.Context, req *ConnectRequest) (*ConnectDecision, error)
	PromptCreateGroup(ctx context.Context, vaultName, groupName string) (bool, error)
	IsPromptActive() bool
}

// WindowControl manipulates the host application window.
type WindowControl interface {
	Focus()
	Hide()
	IsFocused() bool
}

// PasswordGenerator produces new passwords; generation internals live in
// the host application.
type PasswordGenerator interface {
	Generate() (string, error)
}

// GrantRecord is the durable form of a scoped permission, keyed by
// extension identity so later connections from the same extension reuse
// the prior scope as the prompt default.
type GrantRecord struct {
	AllFiles bool       `cbor:"all_files"`
	FileIDs  []string   `cbor:"file_ids,omitempty"`
	AskGet   AskGetMode `cbor:"ask_get,omitempty"`
}

// GrantStore persists grant records across sessions.
type GrantStore interface {
	Load(extension string) (*GrantRecord, bool, error)
	Save(extension string, rec *GrantRecord) error
}

// PermissionGate serializes the user-consent workflow and enforces scoped
// permissions. At most one consent prompt may be visible process-wide;
// a concurrent check fails fast instead of queueing.
type PermissionGate struct {
	registry *SessionRegistry
	vaults   VaultModel
	ui       ConsentUI
	window   WindowControl
	grants   GrantStore

	autoUnlock bool
	timeout    time.Duration

	// Advisory process-wide prompt lock. Held for the full duration of a
	// consent prompt; TryLock failure means another prompt is pending.
	promptMu sync.Mutex
}

// NewPermissionGate wires the gate to its collaborators. grants may be
// nil when no durable store is configured.
func NewPermissionGate(registry *SessionRegistry, vaults VaultModel, ui ConsentUI, window WindowControl, grants GrantStore, autoUnlock bool, timeout time.Duration) *PermissionGate {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	return &PermissionGate{
		registry:   registry,
		vaults:     vaults,
		ui:         ui,
		window:     window,
		grants:     grants,
		autoUnlock: autoUnlock,
		timeout:    timeout,
	}
}

// CheckContentPermission gates a content-accessing request. It may
// suspend while awaiting vault unlock or a user decision, each bounded by
// the shared timeout.
func (g *PermissionGate) CheckContentPermission(ctx context.Context, sess *ClientSession) error {
	if !g.vaults.HasOpenVaults() {
		if err := g.awaitUnlock(ctx, sess); err != nil {
			return err
		}
	}

	if p := sess.Permission(); p != nil {
		return nil
	}

	// One consent prompt process-wide, ever.
	if g.ui.IsPromptActive() {
		return ErrPromptBusy
	}
	if !g.promptMu.TryLock() {
		return ErrPromptBusy
	}
	defer g.promptMu.Unlock()

	decision, err := g.promptConnect(ctx, sess)
	if err != nil {
		g.registry.markDenied(sess)
		return err
	}

	perm := &ScopedPermission{
		AllFiles: decision.AllFiles,
		AskGet:   decision.AskGet,
	}
	if !decision.AllFiles {
		perm.FileIDs = make(map[string]struct{}, len(decision.FileIDs))
		for _, id := range decision.FileIDs {
			perm.FileIDs[id] = struct{}{}
		}
	}
	g.registry.grantPermission(sess, perm)

	if g.grants != nil {
		rec := &GrantRecord{AllFiles: perm.AllFiles, AskGet: perm.AskGet}
		for id := range perm.FileIDs {
			rec.FileIDs = append(rec.FileIDs, id)
		}
		if err := g.grants.Save(sess.Meta().ExtensionName, rec); err != nil {
			log.Warn().Err(err).
				Str("extension", sess.Meta().ExtensionName).
				Msg("Failed to persist permission grant")
		}
	}

	log.Info().
		Str("client_id", sess.ClientID()).
		Bool("all_files", perm.AllFiles).
		Int("file_ids", len(perm.FileIDs)).
		Msg("Content permission granted")
	return nil
}

// awaitUnlock brings the host to foreground and waits for a vault to be
// unlocked when auto-unlock is enabled; otherwise fails immediately.
func (g *PermissionGate) awaitUnlock(ctx context.Context, sess *ClientSession) error {
	if !g.autoUnlock {
		return ErrNoOpenVaults
	}

	g.window.Focus()

	unlockCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.vaults.UnlockAnyVault(unlockCtx, sess.Meta().ExtensionName); err != nil {
		log.Debug().Err(err).Str("client_id", sess.ClientID()).Msg("Vault unlock wait failed")
		return ErrNoOpenVaults
	}
	if !g.vaults.HasOpenVaults() {
		return ErrNoOpenVaults
	}
	return nil
}

// promptConnect presents the consent request and awaits the decision,
// bounded by the shared timeout. Timeout and UI errors resolve to
// rejection.
func (g *PermissionGate) promptConnect(ctx context.Context, sess *ClientSession) (*ConnectDecision, error) {
	meta := sess.Meta()

	req := &ConnectRequest{
		ExtensionName:    meta.ExtensionName,
		AppName:          meta.AppName,
		IdentityVerified: !meta.NativeHost,
		Vaults:           g.candidateVaults(meta.ExtensionName),
		AskGet:           AskGetMultiple,
	}
	if prior, ok := g.loadPriorGrant(meta.ExtensionName); ok && prior.AskGet != "" {
		req.AskGet = prior.AskGet
	}

	g.window.Focus()

	promptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	decision, err := g.ui.PromptConnect(promptCtx, req)
	if promptCtx.Err() != nil {
		return nil, ErrConsentTimeout
	}
	if err != nil || decision == nil || !decision.Granted {
		return nil, ErrUserRejected
	}
	if decision.AskGet == "" {
		decision.AskGet = req.AskGet
	}
	return decision, nil
}

// candidateVaults builds the prompt's vault list. Default checked state
// comes from a prior durable grant for this extension identity; if
// nothing would be checked, all open vaults are.
func (g *PermissionGate) candidateVaults(extension string) []VaultChoice {
	vaults := g.vaults.ListVaults()
	choices := make([]VaultChoice, 0, len(vaults))

	prior, havePrior := g.loadPriorGrant(extension)
	anyChecked := false
	for _, v := range vaults {
		checked := false
		if havePrior {
			if prior.AllFiles {
				checked = true
			} else {
				for _, id := range prior.FileIDs {
					if id == v.ID {
						checked = true
						break
					}
				}
			}
		}
		if checked {
			anyChecked = true
		}
		choices = append(choices, VaultChoice{ID: v.ID, Name: v.Name, Checked: checked})
	}

	if !anyChecked {
		for i := range choices {
			choices[i].Checked = true
		}
	}
	return choices
}

func (g *PermissionGate) loadPriorGrant(extension string) (*GrantRecord, bool) {
	if g.grants == nil {
		return nil, false
	}
	rec, ok, err := g.grants.Load(extension)
	if err != nil {
		log.Warn().Err(err).Str("extension", extension).Msg("Failed to load prior grant")
		return nil, false
	}
	return rec, ok
}

// AuthorizedVaults filters currently active vaults by the session's
// granted scope. An empty result fails with the no-open-vaults error,
// even when vaults are open.
func (g *PermissionGate) AuthorizedVaults(sess *ClientSession) ([]VaultInfo, error) {
	perm := sess.Permission()
	if perm == nil {
		return nil, ErrUserRejected
	}

	var authorized []VaultInfo
	for _, v := range g.vaults.ListVaults() {
		if !v.Active {
			continue
		}
		if perm.AllFiles {
			authorized = append(authorized, v)
			continue
		}
		if _, ok := perm.FileIDs[v.ID]; ok {
			authorized = append(authorized, v)
		}
	}
	if len(authorized) == 0 {
		return nil, ErrNoOpenVaults
	}
	return authorized, nil
}

// isConsentError reports whether err belongs to the consent-rejection
// class (rejected, timed out, busy).
func isConsentError(err error) bool {
	return errors.Is(err, ErrUserRejected) ||
		errors.Is(err, ErrConsentTimeout) ||
		errors.Is(err, ErrPromptBusy)
}
