package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"kbnet/pkg/types"

	"golang.org/x/crypto/sha3"
)

const (
	publicKeyBlockType  = "ED25519 PUBLIC KEY"
	privateKeyBlockType = "PRIVATE KEY"

	// FragmentLength is the number of key characters that make up a node id.
	FragmentLength = 12

	MinNodeIDLength = 8
	MaxNodeIDLength = 64
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidNodeID    = errors.New("invalid node id")
)

// Identity is a node's keypair together with the node id derived from it.
type Identity struct {
	NodeID        types.NodeID
	PublicKey     ed25519.PublicKey
	PrivateKey    ed25519.PrivateKey
	PublicKeyText string
}

// Generate creates a new keypair. Keys whose identity fragment is not plain
// alphanumeric are discarded so the node id is safe to use in URL paths.
func Generate() (*Identity, error) {
	for {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		id, err := FromPrivateKey(priv)
		if err != nil {
			return nil, err
		}
		if isAlphanumeric(string(id.NodeID)) {
			return id, nil
		}
	}
}

func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected private key size %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	text := EncodePublicKey(pub)
	fragment, err := DeriveIdentityFragment(text)
	if err != nil {
		return nil, err
	}
	return &Identity{
		NodeID:        types.NodeID(fragment),
		PublicKey:     pub,
		PrivateKey:    priv,
		PublicKeyText: text,
	}, nil
}

// LoadOrCreate reads a PKCS#8 private key from path, generating and saving
// a new one when the file does not exist.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != privateKeyBlockType {
		return nil, fmt.Errorf("key file %s does not contain a private key", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key file %s does not hold an ed25519 key", path)
	}
	return FromPrivateKey(priv)
}

func (id *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: privateKeyBlockType, Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (id *Identity) Sign(payload []byte) (string, error) {
	return Sign(payload, id.PrivateKey)
}

// EncodePublicKey renders pub as PEM text. The second line carries the
// base64 key material, which is where the identity fragment is taken from.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: publicKeyBlockType, Bytes: pub}))
}

func ParsePublicKey(text string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil || block.Type != publicKeyBlockType {
		return nil, ErrInvalidPublicKey
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected size %d", ErrInvalidPublicKey, len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// DeriveIdentityFragment returns the first FragmentLength characters of the
// second line of the encoded public key.
func DeriveIdentityFragment(publicKeyText string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(publicKeyText, "\r\n", "\n"), "\n")
	if len(lines) < 2 || len(lines[1]) < FragmentLength {
		return "", ErrInvalidPublicKey
	}
	return lines[1][:FragmentLength], nil
}

func ValidNodeID(id types.NodeID) error {
	if len(id) < MinNodeIDLength || len(id) > MaxNodeIDLength {
		return fmt.Errorf("%w: length must be between %d and %d", ErrInvalidNodeID, MinNodeIDLength, MaxNodeIDLength)
	}
	if strings.ContainsAny(string(id), "/?# ") {
		return fmt.Errorf("%w: contains reserved characters", ErrInvalidNodeID)
	}
	return nil
}

// Canonicalize re-encodes a JSON document with sorted object keys and
// numbers kept in their original textual form.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after payload")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}

// Sign returns a hex signature over the SHA3-256 digest of the canonical
// payload. Senders transmit the canonical bytes, since Verify accepts no
// other encoding of the same document.
func Sign(payload []byte, priv ed25519.PrivateKey) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(canonical)
	return hex.EncodeToString(ed25519.Sign(priv, sum[:])), nil
}

func Verify(payload []byte, signature string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	// Only the lowercase form Sign produces is accepted.
	if strings.ToLower(signature) != signature {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	canonical, err := Canonicalize(payload)
	if err != nil || !bytes.Equal(canonical, payload) {
		return false
	}
	sum := sha3.Sum256(payload)
	return ed25519.Verify(pub, sum[:], sig)
}

func isAlphanumeric(s string) bool {
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}
