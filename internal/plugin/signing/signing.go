// Package signing signs and verifies plugin modules. A signature is the hex
// encoded ed25519 signature of the module's SHA-256 digest, stored next to
// the module as <module>.sig.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	// ErrUnsigned is returned when a signature is required but missing.
	ErrUnsigned = errors.New("module is not signed")
	// ErrUntrusted is returned when no trusted key matches the signature.
	ErrUntrusted = errors.New("signature verification failed: no matching trusted key")
)

// GenerateKeyPair generates a new ed25519 key pair for module signing.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return publicKey, privateKey, nil
}

// ParsePublicKeys decodes hex encoded public keys.
func ParsePublicKeys(hexKeys []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(hexKeys))
	for i, s := range hexKeys {
		raw, err := hex.DecodeString(string(bytes.TrimSpace([]byte(s))))
		if err != nil {
			return nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %d: expected %d bytes, got %d", i, ed25519.PublicKeySize, len(raw))
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}

// Sign returns the hex signature of module.
func Sign(module []byte, privateKey ed25519.PrivateKey) []byte {
	hash := sha256.Sum256(module)
	sig := ed25519.Sign(privateKey, hash[:])
	return []byte(hex.EncodeToString(sig))
}

// SignFile writes the signature of the module at modulePath to sigPath.
func SignFile(modulePath, sigPath string, privateKey ed25519.PrivateKey) error {
	module, err := os.ReadFile(modulePath)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}
	if err := os.WriteFile(sigPath, Sign(module, privateKey), 0o644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}

// Verify checks a hex signature of module against the trusted keys.
func Verify(module, sigHex []byte, trustedKeys []ed25519.PublicKey) error {
	signature, err := hex.DecodeString(string(bytes.TrimSpace(sigHex)))
	if err != nil {
		return fmt.Errorf("invalid signature format: %w", err)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length: expected %d, got %d", ed25519.SignatureSize, len(signature))
	}

	hash := sha256.Sum256(module)
	for _, publicKey := range trustedKeys {
		if ed25519.Verify(publicKey, hash[:], signature) {
			return nil
		}
	}
	return ErrUntrusted
}

// VerifyFile verifies the module at modulePath against sigPath.
func VerifyFile(modulePath, sigPath string, trustedKeys []ed25519.PublicKey) error {
	module, err := os.ReadFile(modulePath)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}
	return verifyWith(module, sigPath, trustedKeys)
}

func verifyWith(module []byte, sigPath string, trustedKeys []ed25519.PublicKey) error {
	sig, err := os.ReadFile(sigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrUnsigned, sigPath)
	}
	if err != nil {
		return fmt.Errorf("failed to read signature file: %w", err)
	}
	return Verify(module, sig, trustedKeys)
}

// SignaturePath returns the signature file path for a module.
// For module "/path/to/plugin.wasm", returns "/path/to/plugin.wasm.sig".
func SignaturePath(modulePath string) string {
	return modulePath + ".sig"
}

// Verifier applies the configured trust policy to modules before they load.
type Verifier struct {
	required bool
	keys     []ed25519.PublicKey
}

// NewVerifier returns a verifier. When required is false a module without
// a signature passes, but a signature that is present must still verify.
func NewVerifier(required bool, keys []ed25519.PublicKey) *Verifier {
	return &Verifier{required: required, keys: keys}
}

// Required reports whether unsigned modules are rejected.
func (v *Verifier) Required() bool { return v != nil && v.required }

// Check verifies module, read from modulePath, against its sidecar signature.
func (v *Verifier) Check(modulePath string, module []byte) error {
	if v == nil {
		return nil
	}
	err := verifyWith(module, SignaturePath(modulePath), v.keys)
	if errors.Is(err, ErrUnsigned) && !v.required {
		return nil
	}
	return err
}
