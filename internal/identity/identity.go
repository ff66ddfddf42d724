// Package identity manages the node's long-lived Ed25519 keypair and its
// derived hex identifiers.
package identity

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/multiformats/go-multibase"
)

// ed25519MulticodecPrefix tags a raw public key as ed25519-pub per the
// multicodec table, preceding it in the multibase-encoded form below.
var ed25519MulticodecPrefix = []byte{0xed, 0x01}

// spkiHeaderHexLen is the length, in hex characters, of the fixed SPKI/DER
// prefix that precedes the raw 32-byte Ed25519 public key in a PKIX
// encoding. The prefix is constant because the key algorithm, curve, and
// ASN.1 structure never vary for Ed25519.
const spkiHeaderHexLen = 24

// Identity holds a node's signing key material and its derived hex forms.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey

	// PublicHex is the full SPKI-DER-encoded public key, hex-encoded. This
	// is the value carried as senderKey on the wire.
	PublicHex string

	// rawHex is PublicHex with the fixed SPKI header stripped, leaving the
	// raw 32-byte key as 64 hex characters.
	rawHex string
}

// identityFile is the on-disk JSON shape persisted in the data directory.
type identityFile struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreate reads the identity file under dataDir, creating and
// persisting a fresh Ed25519 keypair on first boot. The private key is
// stored PKCS8-DER-encoded, hex, alongside the SPKI-DER public key, matching
// the wire identity format the envelope package signs under.
func LoadOrCreate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, "identity.json")

	data, err := os.ReadFile(path)
	if err == nil {
		return fromFile(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	id, err := generate()
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	if err := persist(dataDir, path, id); err != nil {
		return nil, fmt.Errorf("identity: persist: %w", err)
	}
	return id, nil
}

func generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, err
	}
	return fromKeys(pub, priv)
}

func fromKeys(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Identity, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal spki public key: %w", err)
	}

	pubHex := hex.EncodeToString(spki)
	if len(pubHex) <= spkiHeaderHexLen {
		return nil, fmt.Errorf("unexpected spki encoding length %d", len(pubHex))
	}

	return &Identity{
		Private:   priv,
		Public:    pub,
		PublicHex: pubHex,
		rawHex:    pubHex[spkiHeaderHexLen:],
	}, nil
}

func fromFile(data []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("identity: decode identity file: %w", err)
	}

	privDER, err := hex.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode private key hex: %w", err)
	}
	privAny, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("identity: parse pkcs8 private key: %w", err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity: private key is not ed25519")
	}

	id, err := fromKeys(priv.Public().(ed25519.PublicKey), priv)
	if err != nil {
		return nil, err
	}
	if id.PublicHex != f.PublicKey {
		return nil, fmt.Errorf("identity: stored public key does not match derived key")
	}
	return id, nil
}

func persist(dataDir, path string, id *Identity) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(id.Private)
	if err != nil {
		return fmt.Errorf("marshal pkcs8 private key: %w", err)
	}

	f := identityFile{
		PublicKey:  id.PublicHex,
		PrivateKey: hex.EncodeToString(privDER),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("move identity file into place: %w", err)
	}
	return nil
}

// RawHex returns the raw 32-byte public key as 64 hex characters, with the
// fixed SPKI header stripped.
func (id *Identity) RawHex() string {
	return id.rawHex
}

// ShortID returns the last 8 hex characters of the raw public key.
func (id *Identity) ShortID() string {
	return ShortIDFromHex(id.PublicHex)
}

// ShortIDFromHex derives the short id from a full SPKI-hex public key,
// usable for remote peers as well as the local identity.
func ShortIDFromHex(publicHex string) string {
	if len(publicHex) <= spkiHeaderHexLen {
		return publicHex
	}
	raw := publicHex[spkiHeaderHexLen:]
	if len(raw) < 8 {
		return raw
	}
	return raw[len(raw)-8:]
}

// MultibaseID renders the identity's raw public key as a multibase
// (base58btc) multikey string, a diagnostic, human-shareable peer-id form.
// The wire protocol never uses this encoding; it stays SPKI-hex end to end.
func (id *Identity) MultibaseID() (string, error) {
	return MultibaseIDFromHex(id.PublicHex)
}

// MultibaseIDFromHex derives the diagnostic multibase peer-id from a full
// SPKI-hex public key, usable for remote peers as well as the local identity.
func MultibaseIDFromHex(publicHex string) (string, error) {
	raw := publicHex
	if len(publicHex) > spkiHeaderHexLen {
		raw = publicHex[spkiHeaderHexLen:]
	}
	rawKey, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("identity: decode raw key hex: %w", err)
	}
	return multibase.Encode(multibase.Base58BTC, append(ed25519MulticodecPrefix, rawKey...))
}

// PublicKeyFromHex parses a full SPKI-hex public key back into an
// ed25519.PublicKey, as used by envelope verification for a remote sender.
func PublicKeyFromHex(publicHex string) (ed25519.PublicKey, error) {
	der, err := hex.DecodeString(publicHex)
	if err != nil {
		return nil, fmt.Errorf("decode sender key hex: %w", err)
	}
	anyKey, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse spki public key: %w", err)
	}
	pub, ok := anyKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sender key is not ed25519")
	}
	return pub, nil
}
