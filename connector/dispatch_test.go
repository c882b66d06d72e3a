package connector

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeGenerator struct {
	password string
	err      error
}

func (f *fakeGenerator) Generate() (string, error) { return f.password, f.err }

// harness wires a dispatcher to fake collaborators for protocol tests.
type harness struct {
	dispatcher *Dispatcher
	registry   *SessionRegistry
	vaults     *fakeVaults
	ui         *fakeUI
	window     *fakeWindow
	bus        *MemoryBus
	generator  *fakeGenerator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		vaults:    openVaults(),
		ui:        &fakeUI{decision: &ConnectDecision{Granted: true, AllFiles: true}},
		window:    &fakeWindow{},
		bus:       NewMemoryBus(),
		generator: &fakeGenerator{password: "correct-horse-battery"},
	}
	h.registry = NewSessionRegistry(h.bus)
	h.dispatcher = NewDispatcher(DispatcherConfig{
		Registry:      h.registry,
		Vaults:        h.vaults,
		UI:            h.ui,
		Window:        h.window,
		Generator:     h.generator,
		Bus:           h.bus,
		Version:       "1.20.0",
		PromptTimeout: time.Second,
	})
	return h
}

func defaultMeta() ConnectionMeta {
	return ConnectionMeta{
		ConnectionID:  "conn-1",
		ExtensionName: "keeweb-connect",
		AppName:       "Firefox",
	}
}

// protoClient drives the dispatcher the way an extension would: handshake
// first, then sealed requests against the returned session key.
type protoClient struct {
	peer      *testPeer
	clientID  string
	serverKey []byte
	meta      ConnectionMeta
}

func connectClient(t *testing.T, d *Dispatcher, meta ConnectionMeta) *protoClient {
	t.Helper()
	peer := newTestPeer(t)
	env := &Envelope{
		Action:    ActionChangePublicKeys.String(),
		ClientID:  "client-" + meta.ConnectionID,
		Nonce:     encodeBytes(newNonce(t)),
		PublicKey: encodeBytes(peer.publicKey[:]),
		Version:   "1.8.10",
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal handshake: %v", err)
	}
	out := d.Handle(context.Background(), meta, raw)

	var resp changePublicKeysResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("Failed to parse handshake response: %v", err)
	}
	if resp.Success != "true" {
		t.Fatalf("Handshake failed: %s", out)
	}
	serverKey, err := decodeBytes(resp.PublicKey)
	if err != nil || len(serverKey) != 32 {
		t.Fatalf("Bad server public key in handshake response: %s", out)
	}
	return &protoClient{peer: peer, clientID: env.ClientID, serverKey: serverKey, meta: meta}
}

// request seals payload and submits it under action, returning the raw
// dispatcher output.
func (c *protoClient) request(t *testing.T, d *Dispatcher, action Action, payload any) []byte {
	t.Helper()
	nonce := newNonce(t)
	env := &Envelope{
		Action:   action.String(),
		ClientID: c.clientID,
		Nonce:    encodeBytes(nonce),
		Message:  c.peer.seal(t, c.serverKey, nonce, payload),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	return d.Handle(context.Background(), c.meta, raw)
}

// open decrypts a sealed response envelope from the dispatcher.
func (c *protoClient) openResponse(t *testing.T, out []byte) []byte {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("Failed to parse response envelope: %v", err)
	}
	if env.Message == "" {
		t.Fatalf("Expected sealed response, got: %s", out)
	}
	return c.peer.open(t, c.serverKey, &env)
}

func requireErrorCode(t *testing.T, out []byte, code int) ErrorEnvelope {
	t.Helper()
	var env ErrorEnvelope
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("Failed to parse error envelope: %v", err)
	}
	if env.ErrorCode != code {
		t.Fatalf("ErrorCode = %d (%q), want %d; raw: %s", env.ErrorCode, env.Error, code, out)
	}
	if env.Error == "" {
		t.Error("Error envelope has empty message")
	}
	return env
}

func TestHandlePingEchoesPlaintext(t *testing.T) {
	h := newHarness(t)
	out := h.dispatcher.Handle(context.Background(), defaultMeta(), []byte(`{"action":"ping","data":"hello"}`))

	var resp pingResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("Failed to parse ping response: %v", err)
	}
	if resp.Action != "ping" || resp.Data != "hello" {
		t.Errorf("Ping response = %s", out)
	}
}

func TestHandleUnknownAction(t *testing.T) {
	h := newHarness(t)
	out := h.dispatcher.Handle(context.Background(), defaultMeta(), []byte(`{"action":"frobnicate"}`))
	env := requireErrorCode(t, out, CodeActionMismatch)
	if env.Action != "frobnicate" {
		t.Errorf("Error action = %q, want originating action", env.Action)
	}
}

func TestHandleMalformedJSON(t *testing.T) {
	h := newHarness(t)
	out := h.dispatcher.Handle(context.Background(), defaultMeta(), []byte(`{not json`))
	requireErrorCode(t, out, CodeEmptyPayload)
}

func TestHandleEncryptedActionWithoutHandshake(t *testing.T) {
	h := newHarness(t)
	out := h.dispatcher.Handle(context.Background(), defaultMeta(), []byte(`{"action":"get-logins","clientID":"ghost","nonce":"x","message":"y"}`))
	requireErrorCode(t, out, CodeNotConnected)
}

func TestHandleUncodedErrorIsOpaque(t *testing.T) {
	h := newHarness(t)
	h.vaults.hashErr = errSQLiteDetail{}
	client := connectClient(t, h.dispatcher, defaultMeta())

	out := client.request(t, h.dispatcher, ActionGetDatabaseHash, map[string]any{"action": "get-databasehash"})
	env := requireErrorCode(t, out, CodeUnknown)
	if env.Error != "Unknown error" {
		t.Errorf("Internal error detail leaked: %q", env.Error)
	}
}

// errSQLiteDetail stands in for an internal error whose text must never
// reach the wire.
type errSQLiteDetail struct{}

func (errSQLiteDetail) Error() string { return "sqlite: disk I/O error at page 42" }

func TestFocusGuardRestoresIncidentalFocus(t *testing.T) {
	window := &fakeWindow{}
	guard := &focusGuard{window: window}

	// Focus gained without an attention signal is rolled back.
	tok := guard.begin()
	window.Focus()
	guard.finish(tok)
	if window.hides != 1 {
		t.Errorf("Expected incidental focus to be hidden, hides = %d", window.hides)
	}

	// Focus gained through the guard is an explicit attention signal.
	tok = guard.begin()
	guard.Focus()
	guard.finish(tok)
	if window.hides != 1 {
		t.Errorf("Attention-requested focus was hidden, hides = %d", window.hides)
	}
	if !window.IsFocused() {
		t.Error("Window should remain focused after attention signal")
	}

	// An already-focused window is never hidden.
	tok = guard.begin()
	guard.finish(tok)
	if window.hides != 1 {
		t.Errorf("Focused window was hidden, hides = %d", window.hides)
	}
}

func TestFocusGuardOverlappingRequests(t *testing.T) {
	window := &fakeWindow{}
	guard := &focusGuard{window: window}

	// Request A starts, then request B starts, then A's consent prompt
	// requests attention. Neither finish may roll that focus back.
	tokA := guard.begin()
	tokB := guard.begin()
	guard.Focus()

	guard.finish(tokB)
	if window.hides != 0 {
		t.Errorf("Overlapping request rolled back explicit focus, hides = %d", window.hides)
	}
	guard.finish(tokA)
	if window.hides != 0 {
		t.Errorf("Prompting request's own finish rolled back its focus, hides = %d", window.hides)
	}
	if !window.IsFocused() {
		t.Error("Window should remain focused after attention signal")
	}

	// A request that began after the attention event and saw the window
	// already focused never hides either.
	tokC := guard.begin()
	guard.finish(tokC)
	if window.hides != 0 {
		t.Errorf("Post-attention request hid the window, hides = %d", window.hides)
	}
}

func TestConsentFocusSurvivesConcurrentRequest(t *testing.T) {
	h := newHarness(t)
	hold := make(chan struct{})
	h.ui.hold = hold
	client := connectClient(t, h.dispatcher, defaultMeta())

	// Hold the consent prompt open while another request is handled.
	done := make(chan []byte, 1)
	go func() {
		done <- client.request(t, h.dispatcher, ActionGetLogins, map[string]any{
			"action": "get-logins",
			"url":    "https://example.com",
		})
	}()
	for !h.ui.IsPromptActive() {
		time.Sleep(time.Millisecond)
	}

	pingOut := h.dispatcher.Handle(context.Background(), defaultMeta(), []byte(`{"action":"ping","data":"x"}`))
	var ping pingResponse
	if err := json.Unmarshal(pingOut, &ping); err != nil || ping.Data != "x" {
		t.Fatalf("Concurrent ping failed: %s", pingOut)
	}

	close(hold)
	requireErrorCode(t, <-done, CodeNoLoginsFound)

	// The prompt's explicit focus must survive both requests.
	if !h.window.IsFocused() {
		t.Error("Consent-prompt focus was rolled back by a concurrent request")
	}
	if h.window.hides != 0 {
		t.Errorf("Window hidden %d times during overlapping requests", h.window.hides)
	}
}

func TestConsentPromptKeepsFocus(t *testing.T) {
	h := newHarness(t)
	client := connectClient(t, h.dispatcher, defaultMeta())

	// The consent prompt focuses the window through the guard; that focus
	// must survive the end of the request.
	out := client.request(t, h.dispatcher, ActionGetLogins, map[string]any{
		"action": "get-logins",
		"url":    "https://example.com",
	})
	requireErrorCode(t, out, CodeNoLoginsFound)

	if !h.window.IsFocused() {
		t.Error("Window focus from consent prompt was rolled back")
	}
	if h.window.hides != 0 {
		t.Errorf("Window hidden %d times during consent flow", h.window.hides)
	}
}

func TestStubActionsPassPermissionGateFirst(t *testing.T) {
	stubs := []Action{ActionSetLogin, ActionGetDatabaseGroups, ActionCreateNewGroup}

	// Denied consent surfaces before not-implemented.
	h := newHarness(t)
	h.ui.decision = &ConnectDecision{Granted: false}
	client := connectClient(t, h.dispatcher, defaultMeta())
	out := client.request(t, h.dispatcher, ActionSetLogin, map[string]any{"action": "set-login"})
	requireErrorCode(t, out, CodeUserRejected)

	// With consent granted every stub reports not-implemented.
	h = newHarness(t)
	client = connectClient(t, h.dispatcher, defaultMeta())
	for _, action := range stubs {
		out := client.request(t, h.dispatcher, action, map[string]any{"action": action.String()})
		env := requireErrorCode(t, out, CodeNotImplemented)
		if env.Action != action.String() {
			t.Errorf("Error action = %q, want %q", env.Action, action)
		}
	}
}

func TestHandleNeverPanicsOnGarbage(t *testing.T) {
	h := newHarness(t)
	inputs := [][]byte{
		nil,
		[]byte(``),
		[]byte(`{}`),
		[]byte(`{"action":""}`),
		[]byte(`{"action":"change-public-keys"}`),
		[]byte(`{"action":"get-logins","clientID":"","nonce":"","message":""}`),
	}
	for _, raw := range inputs {
		out := h.dispatcher.Handle(context.Background(), defaultMeta(), raw)
		var env ErrorEnvelope
		if err := json.Unmarshal(out, &env); err != nil {
			t.Errorf("Non-error output for %q: %s", raw, out)
		}
	}
}
