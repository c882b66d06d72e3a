package connector

import (
	"context"

	"github.com/rs/zerolog/log"
)

// handlePing echoes the request data unencrypted.
func (d *Dispatcher) handlePing(ctx context.Context, req *request) (any, error) {
	return &pingResponse{Action: ActionPing.String(), Data: req.env.Data}, nil
}

// handleChangePublicKeys performs the unauthenticated handshake: register
// the client, generate a fresh ephemeral keypair and return our public
// key with a derived nonce. Some extension identities expect a fixed
// reference-implementation version rather than the real host version.
func (d *Dispatcher) handleChangePublicKeys(ctx context.Context, req *request) (any, error) {
	env := req.env
	if env.ClientID == "" || env.PublicKey == "" || env.Nonce == "" {
		return nil, ErrEmptyPayload
	}

	peerKey, err := decodeBytes(env.PublicKey)
	if err != nil || len(peerKey) != 32 {
		return nil, ErrEmptyPayload
	}
	reqNonce, err := decodeBytes(env.Nonce)
	if err != nil || len(reqNonce) != NonceSize {
		return nil, ErrEmptyPayload
	}

	sess, err := d.registry.Register(env.ClientID, req.meta, peerKey, env.Version)
	if err != nil {
		return nil, err
	}

	version := d.version
	if compat, ok := compatVersions[req.meta.ExtensionName]; ok {
		version = compat
	}

	return &changePublicKeysResponse{
		Action:    ActionChangePublicKeys.String(),
		Version:   version,
		PublicKey: encodeBytes(sess.PublicKey()),
		Nonce:     encodeBytes(IncrementNonce(reqNonce)),
		Success:   "true",
	}, nil
}

// handleAssociate acknowledges an association with the fixed identity and
// reference hash expected by protocol-compatible clients.
func (d *Dispatcher) handleAssociate(ctx context.Context, req *request) (any, error) {
	var body associateRequest
	if err := decodeMessage(req.payload, &body); err != nil {
		return nil, err
	}
	if body.Key == "" {
		return nil, ErrAssociationFailed
	}

	log.Debug().Str("client_id", req.session.ClientID()).Msg("Association accepted")

	resp := &associateResponse{Hash: ReferenceHash, ID: AssociationID}
	resp.Action = req.env.Action
	resp.Success = "true"
	resp.Version = d.version
	return d.codec.Encrypt(req.action, resp, req.env.Nonce, req.session)
}

// handleTestAssociate succeeds iff the decrypted payload's id equals the
// fixed association identity.
func (d *Dispatcher) handleTestAssociate(ctx context.Context, req *request) (any, error) {
	var body testAssociateRequest
	if err := decodeMessage(req.payload, &body); err != nil {
		return nil, err
	}
	if body.ID != AssociationID {
		return nil, ErrNoOpenVaults
	}

	resp := &associateResponse{Hash: ReferenceHash, ID: AssociationID}
	resp.Action = req.env.Action
	resp.Success = "true"
	resp.Version = d.version
	return d.codec.Encrypt(req.action, resp, req.env.Nonce, req.session)
}

// handleGetDatabaseHash returns the vault content hash. The permission
// gate has already ensured at least one vault is open.
func (d *Dispatcher) handleGetDatabaseHash(ctx context.Context, req *request) (any, error) {
	hash, err := d.vaults.ContentHash()
	if err != nil {
		return nil, err
	}

	resp := &databaseHashResponse{Hash: hash}
	resp.Action = req.env.Action
	resp.Success = "true"
	resp.Version = d.version
	return d.codec.Encrypt(req.action, resp, req.env.Nonce, req.session)
}

// handleGetLogins finds credential entries matching the requested URL
// within the session's authorized vaults.
func (d *Dispatcher) handleGetLogins(ctx context.Context, req *request) (any, error) {
	var body getLoginsRequest
	if err := decodeMessage(req.payload, &body); err != nil {
		return nil, err
	}
	if body.URL == "" {
		return nil, ErrEmptyPayload
	}

	vaults, err := d.gate.AuthorizedVaults(req.session)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(vaults))
	for _, v := range vaults {
		ids = append(ids, v.ID)
	}

	entries, err := d.vaults.FindLogins(ids, body.URL, body.SubmitURL, body.HTTPAuth == "true")
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoLoginsFound
	}

	d.registry.markRead(req.session, len(entries))

	resp := &getLoginsResponse{
		Count:   len(entries),
		Entries: entries,
		ID:      AssociationID,
		Hash:    ReferenceHash,
	}
	resp.Action = req.env.Action
	resp.Success = "true"
	resp.Version = d.version
	return d.codec.Encrypt(req.action, resp, req.env.Nonce, req.session)
}

// handleGetTOTP returns the current one-time code for an entry in the
// session's authorized vaults.
func (d *Dispatcher) handleGetTOTP(ctx context.Context, req *request) (any, error) {
	var body getTOTPRequest
	if err := decodeMessage(req.payload, &body); err != nil {
		return nil, err
	}
	if body.UUID == "" {
		return nil, ErrEmptyPayload
	}

	vaults, err := d.gate.AuthorizedVaults(req.session)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(vaults))
	for _, v := range vaults {
		ids = append(ids, v.ID)
	}

	totp, err := d.vaults.TOTP(ids, body.UUID)
	if err != nil {
		return nil, ErrNoLoginsFound
	}

	d.registry.markRead(req.session, 1)

	resp := &getTOTPResponse{TOTP: totp}
	resp.Action = req.env.Action
	resp.Success = "true"
	resp.Version = d.version
	return d.codec.Encrypt(req.action, resp, req.env.Nonce, req.session)
}

// handleGeneratePassword returns one freshly generated password. No
// vault content is involved, so the permission gate is not consulted.
func (d *Dispatcher) handleGeneratePassword(ctx context.Context, req *request) (any, error) {
	if d.generator == nil {
		return nil, ErrNotImplemented
	}
	password, err := d.generator.Generate()
	if err != nil {
		return nil, err
	}

	resp := &generatePasswordResponse{
		Entries: []LoginEntry{{Password: password}},
	}
	resp.Action = req.env.Action
	resp.Success = "true"
	resp.Version = d.version
	return d.codec.Encrypt(req.action, resp, req.env.Nonce, req.session)
}

// handleLockDatabase locks all open vaults.
func (d *Dispatcher) handleLockDatabase(ctx context.Context, req *request) (any, error) {
	if !d.vaults.HasOpenVaults() {
		return nil, ErrNoOpenVaults
	}
	if err := d.vaults.LockAll(); err != nil {
		return nil, err
	}
	if d.bus != nil {
		d.bus.Emit(EventVaultLocked)
	}

	log.Info().Str("client_id", req.session.ClientID()).Msg("Vaults locked by extension request")

	resp := &lockDatabaseResponse{ID: AssociationID}
	resp.Action = req.env.Action
	resp.Success = "true"
	resp.Version = d.version
	return d.codec.Encrypt(req.action, resp, req.env.Nonce, req.session)
}

// handleNotImplemented reports a permission-checked, authenticated stub.
func (d *Dispatcher) handleNotImplemented(ctx context.Context, req *request) (any, error) {
	return nil, ErrNotImplemented
}
