// Command keeweb-connector hosts the browser-extension connector core
// over a line-delimited JSON stdio transport. The vault engine, consent
// UI and window control are integration points for the host application;
// this binary wires placeholder collaborators suitable for development
// against a real extension.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/backup-hub/keeweb/connector"
	"github.com/backup-hub/keeweb/connector/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "keeweb-connector.yaml", "Path to config file")
	singleClient := flag.Bool("single-client", true, "Treat the transport as single-client")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log.Info().Str("version", Version).Msg("KeeWeb connector starting")

	grants, err := storage.Open(cfg.GrantDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open grant store")
	}
	defer grants.Close()

	bus := connector.NewMemoryBus()
	registry := connector.NewSessionRegistry(bus)

	dispatcher := connector.NewDispatcher(connector.DispatcherConfig{
		Registry:        registry,
		Vaults:          &lockedVaultModel{},
		UI:              &denyAllConsentUI{},
		Window:          &noopWindow{},
		Grants:          grants,
		Generator:       &charsetGenerator{length: cfg.PasswordLength},
		Bus:             bus,
		Version:         Version,
		AllowAutoUnlock: cfg.AllowAutoUnlock,
		PromptTimeout:   time.Duration(cfg.PromptTimeoutMs) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	meta := connector.ConnectionMeta{
		ConnectionID:  uuid.NewString(),
		ExtensionName: cfg.Extension.Name,
		AppName:       cfg.Extension.AppName,
		SingleClient:  *singleClient,
		NativeHost:    cfg.Extension.NativeHost,
	}
	defer registry.RemoveByConnection(meta.ConnectionID)

	if err := serve(ctx, dispatcher, meta); err != nil {
		log.Fatal().Err(err).Msg("Connector error")
	}

	log.Info().Msg("KeeWeb connector shutdown complete")
}

// serve runs the stdio request loop: one JSON message per line in, one
// response per line out.
func serve(ctx context.Context, dispatcher *connector.Dispatcher, meta connector.ConnectionMeta) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	writer := bufio.NewWriter(os.Stdout)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := dispatcher.Handle(ctx, meta, line)
		if _, err := writer.Write(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// --- Development collaborators ---

// lockedVaultModel is the integration point for the real vault engine.
// It reports no open vaults, so content actions fail with code 1.
type lockedVaultModel struct{}

func (m *lockedVaultModel) HasOpenVaults() bool             { return false }
func (m *lockedVaultModel) ListVaults() []connector.VaultInfo { return nil }
func (m *lockedVaultModel) UnlockAnyVault(ctx context.Context, reason string) error {
	<-ctx.Done()
	return ctx.Err()
}
func (m *lockedVaultModel) GroupTree(vaultID string) (connector.GroupNode, error) {
	return connector.GroupNode{}, fmt.Errorf("no vault engine attached")
}
func (m *lockedVaultModel) CreateGroup(vaultID, parentUUID, name string) (connector.GroupNode, error) {
	return connector.GroupNode{}, fmt.Errorf("no vault engine attached")
}
func (m *lockedVaultModel) FindLogins(vaultIDs []string, url, submitURL string, httpAuth bool) ([]connector.LoginEntry, error) {
	return nil, fmt.Errorf("no vault engine attached")
}
func (m *lockedVaultModel) TOTP(vaultIDs []string, entryUUID string) (string, error) {
	return "", fmt.Errorf("no vault engine attached")
}
func (m *lockedVaultModel) ContentHash() (string, error) {
	return "", fmt.Errorf("no vault engine attached")
}
func (m *lockedVaultModel) LockAll() error { return nil }

// denyAllConsentUI rejects every consent request. A real host replaces
// this with its dialog layer.
type denyAllConsentUI struct{}

func (u *denyAllConsentUI) PromptConnect(ctx context.Context, req *connector.ConnectRequest) (*connector.ConnectDecision, error) {
	return &connector.ConnectDecision{Granted: false}, nil
}
func (u *denyAllConsentUI) PromptCreateGroup(ctx context.Context, vaultName, groupName string) (bool, error) {
	return false, nil
}
func (u *denyAllConsentUI) IsPromptActive() bool { return false }

// noopWindow ignores focus control; stdio hosts have no window.
type noopWindow struct{}

func (w *noopWindow) Focus()          {}
func (w *noopWindow) Hide()           {}
func (w *noopWindow) IsFocused() bool { return false }

// charsetGenerator produces random passwords from a fixed character set.
type charsetGenerator struct {
	length int
}

const passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*-_=+"

func (g *charsetGenerator) Generate() (string, error) {
	length := g.length
	if length <= 0 {
		length = 20
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(passwordCharset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		out[i] = passwordCharset[n.Int64()]
	}
	return string(out), nil
}
