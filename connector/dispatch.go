package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// handlerFunc processes one request. For encrypted actions the handler
// returns a sealed *Envelope; plaintext actions return their payload
// struct directly.
type handlerFunc func(ctx context.Context, req *request) (any, error)

// handlerSpec declares what a handler needs before it runs. The handshake
// is the only action exempt from decryption; content actions additionally
// pass the permission gate. Unimplemented content actions keep both flags
// so probing cannot tell them apart from implemented ones.
type handlerSpec struct {
	decrypt    bool
	permission bool
	fn         handlerFunc
}

// request carries one in-flight protocol request through the dispatcher.
type request struct {
	env     *Envelope
	action  Action
	meta    ConnectionMeta
	session *ClientSession
	payload json.RawMessage
}

// Dispatcher routes actions to handlers with uniform error semantics and
// keeps the host window's focus state stable across requests.
type Dispatcher struct {
	registry  *SessionRegistry
	codec     *Codec
	gate      *PermissionGate
	vaults    VaultModel
	generator PasswordGenerator
	bus       EventBus
	window    *focusGuard
	version   string

	handlers map[Action]handlerSpec
}

// DispatcherConfig collects the dispatcher's collaborators. Registry,
// Vaults, UI and Window are required; the rest are optional.
type DispatcherConfig struct {
	Registry  *SessionRegistry
	Vaults    VaultModel
	UI        ConsentUI
	Window    WindowControl
	Grants    GrantStore
	Generator PasswordGenerator
	Bus       EventBus

	// Version is the host application version reported to extensions
	// outside the fixed-compatibility set.
	Version string

	AllowAutoUnlock bool
	PromptTimeout   time.Duration
}

// NewDispatcher builds the dispatcher and its permission gate. The gate
// sees the window only through the focus guard, so a consent prompt's
// focus request counts as an explicit attention signal.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	guard := &focusGuard{window: cfg.Window}
	gate := NewPermissionGate(cfg.Registry, cfg.Vaults, cfg.UI, guard, cfg.Grants, cfg.AllowAutoUnlock, cfg.PromptTimeout)

	d := &Dispatcher{
		registry:  cfg.Registry,
		codec:     &Codec{},
		gate:      gate,
		vaults:    cfg.Vaults,
		generator: cfg.Generator,
		bus:       cfg.Bus,
		window:    guard,
		version:   cfg.Version,
	}

	d.handlers = map[Action]handlerSpec{
		ActionPing:             {fn: d.handlePing},
		ActionChangePublicKeys: {fn: d.handleChangePublicKeys},
		ActionGetDatabaseHash:  {decrypt: true, permission: true, fn: d.handleGetDatabaseHash},
		ActionGeneratePassword: {decrypt: true, fn: d.handleGeneratePassword},
		ActionLockDatabase:     {decrypt: true, fn: d.handleLockDatabase},
		ActionAssociate:        {decrypt: true, permission: true, fn: d.handleAssociate},
		ActionTestAssociate:    {decrypt: true, permission: true, fn: d.handleTestAssociate},
		ActionGetLogins:        {decrypt: true, permission: true, fn: d.handleGetLogins},
		ActionGetTOTP:          {decrypt: true, permission: true, fn: d.handleGetTOTP},

		// Unimplemented content actions: still decrypted and
		// permission-checked before reporting not-implemented.
		ActionSetLogin:          {decrypt: true, permission: true, fn: d.handleNotImplemented},
		ActionGetDatabaseGroups: {decrypt: true, permission: true, fn: d.handleNotImplemented},
		ActionCreateNewGroup:    {decrypt: true, permission: true, fn: d.handleNotImplemented},
	}
	return d
}

// Gate exposes the permission gate, mainly so hosts can share it.
func (d *Dispatcher) Gate() *PermissionGate { return d.gate }

// Handle processes one raw request message from the transport and returns
// the serialized response. It never returns an error: every failure is
// normalized into an error envelope.
func (d *Dispatcher) Handle(ctx context.Context, meta ConnectionMeta, raw []byte) []byte {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return marshalResponse(d.errorResponse("", ErrEmptyPayload))
	}
	return marshalResponse(d.dispatch(ctx, meta, &env))
}

func (d *Dispatcher) dispatch(ctx context.Context, meta ConnectionMeta, env *Envelope) any {
	tok := d.window.begin()
	defer d.window.finish(tok)

	action := ParseAction(env.Action)
	spec, ok := d.handlers[action]
	if !ok {
		return d.errorResponse(env.Action, ErrUnknownAction)
	}

	req := &request{env: env, action: action, meta: meta}

	if spec.decrypt {
		sess, err := d.registry.Lookup(env.ClientID)
		if err != nil {
			return d.errorResponse(env.Action, err)
		}
		req.session = sess

		payload, err := d.codec.Decrypt(env, sess)
		if err != nil {
			return d.errorResponse(env.Action, err)
		}
		req.payload = payload
	}

	if spec.permission {
		if err := d.gate.CheckContentPermission(ctx, req.session); err != nil {
			return d.errorResponse(env.Action, err)
		}
	}

	resp, err := spec.fn(ctx, req)
	if err != nil {
		return d.errorResponse(env.Action, err)
	}
	return resp
}

// errorResponse normalizes an error for the wire. Errors carrying a
// defined code pass through unmodified, tagged with the originating
// action; anything else is logged with full context and replaced by an
// opaque unknown-error record so internal detail never crosses the
// boundary.
func (d *Dispatcher) errorResponse(action string, err error) *ErrorEnvelope {
	var pe *Error
	if errors.As(err, &pe) {
		if isConsentError(pe) {
			log.Info().Str("action", action).Str("error", pe.Message).Msg("Request denied")
		} else {
			log.Debug().Str("action", action).Int("code", pe.Code).Str("error", pe.Message).Msg("Request failed")
		}
		return &ErrorEnvelope{Action: action, Error: pe.Message, ErrorCode: pe.Code}
	}

	log.Error().Err(err).Str("action", action).Msg("Unhandled error in action handler")
	return &ErrorEnvelope{Action: action, Error: "Unknown error", ErrorCode: CodeUnknown}
}

func marshalResponse(resp any) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		data, _ = json.Marshal(&ErrorEnvelope{Error: "Unknown error", ErrorCode: CodeUnknown})
	}
	return data
}

// focusGuard wraps WindowControl and tracks whether anything explicitly
// requested attention while a request was in flight. If the host window
// went from not-focused to focused purely as a side effect of handling,
// the dispatcher restores it to background: only an explicit attention
// signal may steal foreground focus. Attention is a monotonic event
// counter rather than a flag so concurrent requests cannot erase each
// other's signals.
type focusGuard struct {
	window    WindowControl
	attention atomic.Uint64
}

func (f *focusGuard) Focus() {
	f.attention.Add(1)
	f.window.Focus()
}

func (f *focusGuard) Hide()           { f.window.Hide() }
func (f *focusGuard) IsFocused() bool { return f.window.IsFocused() }

// focusToken captures the window state observed at the start of one
// request.
type focusToken struct {
	focusedBefore bool
	attention     uint64
}

func (f *focusGuard) begin() focusToken {
	return focusToken{
		focusedBefore: f.window.IsFocused(),
		attention:     f.attention.Load(),
	}
}

// finish hides the window only when it gained focus during the request
// and no attention event fired anywhere in the process meanwhile.
func (f *focusGuard) finish(tok focusToken) {
	if !tok.focusedBefore && f.window.IsFocused() && f.attention.Load() == tok.attention {
		f.window.Hide()
	}
}
