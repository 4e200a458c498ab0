package scheduler

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
	"gopkg.in/yaml.v3"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"
)

// Manifest is the signed, yaml-encoded description of a launch handed to the
// runtime adapter. The Run Coordinator embeds the signed manifest in the
// worker's LAUNCH_MANIFEST env var, so a changed image or env no longer
// matches the signature. Nothing in this module calls Verify on it: the
// worker process does not check the manifest before it runs.
type Manifest struct {
	Version   string            `yaml:"version"`
	RunID     string            `yaml:"run_id"`
	RequestID string            `yaml:"request_id"`
	Image     string            `yaml:"image"`
	Env       map[string]string `yaml:"env"`
	Resources ResourceSpec      `yaml:"resources"`
	PublicKey string            `yaml:"public_key,omitempty"`
	Signature string            `yaml:"signature,omitempty"`
}

// signingBytes marshals the manifest without its signature for signing and
// verification, mirroring the bundle-manifest pattern this is grounded on.
func (m Manifest) signingBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Signer signs and verifies launch manifests using an Ed25519 key pair whose
// seed is taken from an age secret key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSignerFromEnv initialises a Signer from AGE_SECRET_KEY / AGE_PUBLIC_KEY.
// At least one must be set; if only the public key is present the Signer can
// verify but not produce new signatures.
func NewSignerFromEnv(secret, pub string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)

	if secret == "" && pub == "" {
		return nil, fmt.Errorf("scheduler: %s or %s must be set", envAgeSecretKey, envAgePublicKey)
	}

	var privateKey ed25519.PrivateKey
	var publicKey ed25519.PublicKey

	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse %s: %w", envAgeSecretKey, err)
		}
		privateKey = ed25519.NewKeyFromSeed(seed)
		publicKey = ed25519.PublicKey(privateKey[ed25519.SeedSize:])
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("scheduler: decode %s: %w", envAgePublicKey, err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("scheduler: %s must decode to %d bytes", envAgePublicKey, ed25519.PublicKeySize)
		}
		if publicKey == nil {
			publicKey = ed25519.PublicKey(decoded)
		} else if !bytes.Equal(publicKey, decoded) {
			return nil, errors.New("scheduler: AGE_PUBLIC_KEY does not match AGE_SECRET_KEY")
		}
	}

	return &Signer{privateKey: privateKey, publicKey: publicKey}, nil
}

// Sign produces a signed, yaml-encoded Manifest for spec.
func (s *Signer) Sign(spec WorkerSpec) ([]byte, error) {
	if s == nil || len(s.privateKey) == 0 {
		return nil, errors.New("scheduler: signer has no private key")
	}

	m := Manifest{
		Version:   "v1",
		RunID:     spec.RunID,
		RequestID: spec.RequestID,
		Image:     spec.Image,
		Env:       spec.Env,
		Resources: spec.Resources,
		PublicKey: base64.StdEncoding.EncodeToString(s.publicKey),
	}

	payload, err := m.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal manifest: %w", err)
	}

	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload))

	return yaml.Marshal(m)
}

// Verify checks a signed, yaml-encoded manifest against its embedded or the
// signer's configured public key.
func (s *Signer) Verify(encoded []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(encoded, &m); err != nil {
		return Manifest{}, fmt.Errorf("scheduler: unmarshal manifest: %w", err)
	}

	key := s.publicKey
	if m.PublicKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(m.PublicKey)
		if err != nil {
			return Manifest{}, fmt.Errorf("scheduler: decode manifest public key: %w", err)
		}
		if key != nil && !bytes.Equal(key, decoded) {
			return Manifest{}, errors.New("scheduler: manifest signed by unexpected key")
		}
		key = decoded
	}
	if key == nil {
		return Manifest{}, errors.New("scheduler: no public key available for verification")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return Manifest{}, fmt.Errorf("scheduler: decode signature: %w", err)
	}

	payload, err := m.signingBytes()
	if err != nil {
		return Manifest{}, fmt.Errorf("scheduler: marshal manifest: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(key), payload, sigBytes) {
		return Manifest{}, errors.New("scheduler: signature verification failed")
	}

	return m, nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	if _, err := age.ParseX25519Identity(raw); err != nil {
		return nil, fmt.Errorf("not a valid age identity: %w", err)
	}

	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
