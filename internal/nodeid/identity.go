// Package nodeid owns this node's signing identity and the discovery of
// peer public keys. The delegation engine calls Sign and Verify; raw key
// material never leaves this package.
package nodeid

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// identityFileName is the serialized identity under the data directory.
const identityFileName = "node_identity.json"

// Identity is this node's signing identity.
type Identity struct {
	NodeID      string
	DisplayName string
	priv        ed25519.PrivateKey
}

// identityFile is the on-disk representation. The private key is the
// base64-encoded Ed25519 seed.
type identityFile struct {
	NodeID      string    `json:"node_id"`
	DisplayName string    `json:"display_name"`
	PrivateKey  string    `json:"private_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// LoadOrCreate loads the node identity from dir, generating and persisting a
// fresh Ed25519 keypair on first run. The identity file is written 0600.
func LoadOrCreate(dir, displayName string, logger *zap.Logger) (*Identity, error) {
	path := filepath.Join(dir, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var f identityFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode node identity: %w", err)
		}
		seed, err := base64.StdEncoding.DecodeString(f.PrivateKey)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("node identity has invalid private key")
		}
		id := &Identity{
			NodeID:      f.NodeID,
			DisplayName: f.DisplayName,
			priv:        ed25519.NewKeyFromSeed(seed),
		}
		if displayName != "" && displayName != f.DisplayName {
			id.DisplayName = displayName
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read node identity: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	id := &Identity{
		NodeID:      "node-" + uuid.NewString()[:8],
		DisplayName: displayName,
		priv:        priv,
	}

	f := identityFile{
		NodeID:      id.NodeID,
		DisplayName: id.DisplayName,
		PrivateKey:  base64.StdEncoding.EncodeToString(priv.Seed()),
		CreatedAt:   time.Now().UTC(),
	}
	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode node identity: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return nil, fmt.Errorf("stage node identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return nil, fmt.Errorf("commit node identity: %w", err)
	}
	logger.Info("generated node identity", zap.String("node_id", id.NodeID))
	return id, nil
}

// Sign returns the base64-encoded Ed25519 signature over the UTF-8 bytes of
// msg.
func (id *Identity) Sign(msg string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(id.priv, []byte(msg)))
}

// PublicKeyBase64 returns the base64-encoded public key for the identity
// endpoint.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.priv.Public().(ed25519.PublicKey))
}

// Public exposes the raw public key for callers that sign tokens with the
// node key (the gateway's admin token issuer).
func (id *Identity) Public() ed25519.PublicKey {
	return id.priv.Public().(ed25519.PublicKey)
}

// PrivateForSigning exposes the private key to the admin token issuer only.
// Delegation code must go through Sign.
func (id *Identity) PrivateForSigning() ed25519.PrivateKey {
	return id.priv
}

// Verify checks a base64 signature over msg against a base64 public key.
// Malformed keys or signatures verify false.
func Verify(publicKeyBase64, msg, sigBase64 string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig)
}
