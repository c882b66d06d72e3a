package connector

import "fmt"

// Stable error-code taxonomy. Codes are part of the wire contract and
// never change meaning; new conditions get new codes.
const (
	CodeUnknown           = 0
	CodeNoOpenVaults      = 1
	CodeCannotDecrypt     = 4
	CodeNotConnected      = 5
	CodeUserRejected      = 6
	CodeAssociationFailed = 8
	CodeKeyChangeRejected = 9
	CodeActionMismatch    = 12
	CodeEmptyPayload      = 13
	CodeNoLoginsFound     = 15
	CodeNotImplemented    = 16
)

// Error is a protocol error with a defined wire code. Errors of this type
// cross the boundary verbatim; anything else is logged internally and
// replaced by an opaque unknown-error response.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is matches protocol errors by code and message, so sentinel values work
// with errors.Is even when wrapped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func newError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel protocol errors.
var (
	ErrNoOpenVaults      = newError(CodeNoOpenVaults, "No open vaults")
	ErrCannotDecrypt     = newError(CodeCannotDecrypt, "Cannot decrypt message")
	ErrNotConnected      = newError(CodeNotConnected, "Client not connected")
	ErrUserRejected      = newError(CodeUserRejected, "User rejected the connection")
	ErrConsentTimeout    = newError(CodeUserRejected, "Consent request timed out")
	ErrPromptBusy        = newError(CodeUserRejected, "Another consent dialog is active")
	ErrAssociationFailed = newError(CodeAssociationFailed, "Association failed")
	ErrRekeyNotAllowed   = newError(CodeKeyChangeRejected, "Client already has registered keys")
	ErrActionMismatch    = newError(CodeActionMismatch, "Message action does not match envelope")
	ErrUnknownAction     = newError(CodeActionMismatch, "Unknown action")
	ErrEmptyPayload      = newError(CodeEmptyPayload, "Empty message payload")
	ErrNoLoginsFound     = newError(CodeNoLoginsFound, "No logins found")
	ErrNotImplemented    = newError(CodeNotImplemented, "Action not implemented")
)
