package connector

import (
	"bytes"
	"encoding/json"

	"golang.org/x/crypto/nacl/box"
)

// NonceSize is the box nonce length in bytes.
const NonceSize = 24

// Codec performs authenticated public-key encryption of message payloads
// between a session's own secret key and the peer's declared public key
// (Curve25519 key agreement with XSalsa20-Poly1305).
type Codec struct{}

// IncrementNonce derives the response nonce from a request nonce by
// treating it as an unsigned little-endian counter: each byte gets the
// incoming carry added, keeps the low 8 bits and propagates the rest.
// This chains round trips without any persisted per-session counter and
// guarantees the response nonce differs from the request nonce. It does
// not by itself prevent replay of a stale request nonce in a new request.
func IncrementNonce(nonce []byte) []byte {
	out := make([]byte, len(nonce))
	carry := 1
	for i, b := range nonce {
		sum := int(b) + carry
		out[i] = byte(sum & 0xff)
		carry = sum >> 8
	}
	return out
}

// Decrypt opens the envelope's ciphertext for the given session and
// returns the decrypted payload after structural checks: the payload must
// be non-empty, parse as JSON and embed the same action as the envelope
// (defense against envelope/content substitution).
func (c *Codec) Decrypt(env *Envelope, sess *ClientSession) (json.RawMessage, error) {
	if env.Nonce == "" || env.Message == "" {
		return nil, ErrEmptyPayload
	}

	nonceBytes, err := decodeBytes(env.Nonce)
	if err != nil || len(nonceBytes) != NonceSize {
		return nil, ErrCannotDecrypt
	}
	ciphertext, err := decodeBytes(env.Message)
	if err != nil {
		return nil, ErrCannotDecrypt
	}

	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)

	opened, ok := box.Open(nil, ciphertext, &nonce, sess.peerPublicKey, sess.ownSecretKey)
	if !ok {
		return nil, ErrCannotDecrypt
	}

	if len(bytes.TrimSpace(opened)) == 0 {
		return nil, ErrEmptyPayload
	}

	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(opened, &probe); err != nil {
		return nil, ErrEmptyPayload
	}
	if probe.Action != env.Action {
		return nil, ErrActionMismatch
	}

	return opened, nil
}

// Encrypt seals a response payload for the given session. The response
// nonce is derived from the request nonce, attached to the payload before
// encryption and returned alongside the ciphertext in the envelope.
func (c *Codec) Encrypt(action Action, payload nonced, requestNonce string, sess *ClientSession) (*Envelope, error) {
	reqNonce, err := decodeBytes(requestNonce)
	if err != nil || len(reqNonce) != NonceSize {
		return nil, ErrCannotDecrypt
	}

	respNonce := IncrementNonce(reqNonce)
	payload.setNonce(encodeBytes(respNonce))

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	copy(nonce[:], respNonce)
	sealed := box.Seal(nil, plaintext, &nonce, sess.peerPublicKey, sess.ownSecretKey)

	return &Envelope{
		Action:  action.String(),
		Nonce:   encodeBytes(respNonce),
		Message: encodeBytes(sealed),
	}, nil
}
