package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type privateKey struct {
	sk ed25519.PrivateKey
}

type publicKey struct {
	pk ed25519.PublicKey
}

type signature struct {
	sig []byte
}

// GenerateKey creates a new ed25519 private key.
func GenerateKey() (PrivateKey, error) {
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &privateKey{sk: sk}, nil
}

func (p *privateKey) Bytes() []byte  { return p.sk }
func (p *privateKey) String() string { return hex.EncodeToString(p.sk) }

func (p *privateKey) Sign(msg []byte) Signature {
	return &signature{sig: ed25519.Sign(p.sk, msg)}
}

func (p *privateKey) PublicKey() PublicKey {
	return &publicKey{pk: p.sk.Public().(ed25519.PublicKey)}
}

func (p *privateKey) Marshal() ([]byte, error) {
	return cbor.Marshal(p.sk)
}

func (p *privateKey) Unmarshal(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return errors.New("invalid private key length")
	}
	p.sk = ed25519.PrivateKey(raw)
	return nil
}

func (p *publicKey) Bytes() []byte  { return p.pk }
func (p *publicKey) String() string { return hex.EncodeToString(p.pk) }

func (p *publicKey) Verify(data []byte, sig Signature) error {
	if sig == nil {
		return errors.New("nil signature")
	}
	if !ed25519.Verify(p.pk, data, sig.Bytes()) {
		return errors.New("signature verification failed")
	}
	return nil
}

func (p *publicKey) Marshal() ([]byte, error) {
	return cbor.Marshal(p.pk)
}

func (p *publicKey) Unmarshal(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != ed25519.PublicKeySize {
		return errors.New("invalid public key length")
	}
	p.pk = ed25519.PublicKey(raw)
	return nil
}

func (p *publicKey) Equal(other PublicKey) bool {
	return other != nil && bytes.Equal(p.pk, other.Bytes())
}

// PublicKeyFromBytes rebuilds a public key from its raw bytes.
func PublicKeyFromBytes(raw []byte) (PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key length")
	}
	return &publicKey{pk: ed25519.PublicKey(raw)}, nil
}

func (s *signature) Bytes() []byte  { return s.sig }
func (s *signature) String() string { return hex.EncodeToString(s.sig) }

func (s *signature) Marshal() ([]byte, error) {
	return cbor.Marshal(s.sig)
}

func (s *signature) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, &s.sig)
}

func (s *signature) Equal(other Signature) bool {
	return other != nil && bytes.Equal(s.sig, other.Bytes())
}

// SignatureFromBytes wraps raw signature bytes in the capability interface.
func SignatureFromBytes(raw []byte) Signature {
	return &signature{sig: raw}
}
