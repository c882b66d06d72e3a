// Package connector implements the browser-extension connection protocol
// for the KeeWeb vault application. It owns client session key material,
// the authenticated-encryption message codec, the user-consent permission
// gate and the action dispatcher. The vault engine, consent UI, window
// control and transport are consumed as interfaces.
package connector

import (
	"encoding/base64"
	"encoding/json"
)

// Action identifies a protocol operation. The wire keeps the original
// string identifiers; everything past the serialization boundary works
// with this enum.
type Action int

const (
	ActionUnknown Action = iota
	ActionPing
	ActionChangePublicKeys
	ActionGetDatabaseHash
	ActionGeneratePassword
	ActionLockDatabase
	ActionAssociate
	ActionTestAssociate
	ActionGetLogins
	ActionGetTOTP
	ActionSetLogin
	ActionGetDatabaseGroups
	ActionCreateNewGroup
)

var actionNames = map[Action]string{
	ActionPing:              "ping",
	ActionChangePublicKeys:  "change-public-keys",
	ActionGetDatabaseHash:   "get-databasehash",
	ActionGeneratePassword:  "generate-password",
	ActionLockDatabase:      "lock-database",
	ActionAssociate:         "associate",
	ActionTestAssociate:     "test-associate",
	ActionGetLogins:         "get-logins",
	ActionGetTOTP:           "get-totp",
	ActionSetLogin:          "set-login",
	ActionGetDatabaseGroups: "get-database-groups",
	ActionCreateNewGroup:    "create-new-group",
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		m[name] = a
	}
	return m
}()

// String returns the wire identifier for the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAction maps a wire identifier to an Action.
// Unrecognized identifiers map to ActionUnknown.
func ParseAction(name string) Action {
	return actionsByName[name]
}

// Protocol-compatibility constants. Reference-protocol clients verify the
// association identity and hash returned by associate/test-associate.
const (
	// AssociationID is the fixed association identity returned to clients.
	AssociationID = "KeeWeb"

	// ReferenceHash is the fixed reference hash used for protocol
	// compatibility checks in associate/test-associate responses.
	ReferenceHash = "87f4ae39f7d2a1c05b8e12d94c6a3370e5d8f2b6419c08a7fe63b2d1905c4ae8"
)

// compatVersions maps extension identities that expect a fixed reference
// implementation version string instead of the real host version.
var compatVersions = map[string]string{
	"KeePassXC-Browser":     "2.7.6",
	"keepassxc-browser":     "2.7.6",
	"KeePassXC-Browser Dev": "2.7.6",
}

// Envelope is the outer wire message. The handshake form carries
// publicKey/version, the authenticated form carries nonce/message.
// Byte fields travel base64-encoded.
type Envelope struct {
	Action    string `json:"action"`
	ClientID  string `json:"clientID,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Message   string `json:"message,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	Version   string `json:"version,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ErrorEnvelope is the uniform error response shape. Code 0 means
// unspecified/internal; the caller never sees internal detail for those.
type ErrorEnvelope struct {
	Action    string `json:"action"`
	Error     string `json:"error"`
	ErrorCode int    `json:"errorCode"`
}

// messageBase carries the fields every decrypted response payload shares.
// The codec fills Nonce with the derived response nonce before sealing.
type messageBase struct {
	Action  string `json:"action"`
	Nonce   string `json:"nonce,omitempty"`
	Success string `json:"success,omitempty"`
	Version string `json:"version,omitempty"`
}

func (m *messageBase) setNonce(nonce string) { m.Nonce = nonce }

// nonced is implemented by response payloads so the codec can attach the
// derived response nonce before encryption.
type nonced interface {
	setNonce(nonce string)
}

// --- Decrypted request payloads ---

type associateRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	IDKey  string `json:"idKey,omitempty"`
}

type testAssociateRequest struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Key    string `json:"key,omitempty"`
}

type getLoginsRequest struct {
	Action    string `json:"action"`
	URL       string `json:"url"`
	SubmitURL string `json:"submitUrl,omitempty"`
	HTTPAuth  string `json:"httpAuth,omitempty"`
}

type getTOTPRequest struct {
	Action string `json:"action"`
	UUID   string `json:"uuid"`
}

// --- Response payloads ---

type changePublicKeysResponse struct {
	Action    string `json:"action"`
	Version   string `json:"version"`
	PublicKey string `json:"publicKey"`
	Nonce     string `json:"nonce"`
	Success   string `json:"success"`
}

type pingResponse struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

type associateResponse struct {
	messageBase
	Hash string `json:"hash"`
	ID   string `json:"id"`
}

type databaseHashResponse struct {
	messageBase
	Hash string `json:"hash"`
}

// LoginEntry is a single credential match returned to the extension.
// It never carries vault-internal structures, only the projected fields.
type LoginEntry struct {
	Name     string `json:"name"`
	Login    string `json:"login"`
	Password string `json:"password"`
	UUID     string `json:"uuid"`
	Group    string `json:"group,omitempty"`
}

type getLoginsResponse struct {
	messageBase
	Count   int          `json:"count"`
	Entries []LoginEntry `json:"entries"`
	ID      string       `json:"id"`
	Hash    string       `json:"hash"`
}

type getTOTPResponse struct {
	messageBase
	TOTP string `json:"totp"`
}

type generatePasswordResponse struct {
	messageBase
	Entries []LoginEntry `json:"entries"`
}

type lockDatabaseResponse struct {
	messageBase
	ID string `json:"id"`
}

// --- Encoding helpers ---

func encodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// decodeMessage parses a decrypted payload into dst.
func decodeMessage(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return newError(CodeEmptyPayload, "Malformed message payload")
	}
	return nil
}
