// Package crypt implements the per-connection payload encryption layer:
// ECDH key agreement, AES-GCM sealed envelopes with ECDSA signatures,
// replay protection, and scheduled key rotation.
//
// State is keyed by user id, not by socket: a client with several hub
// connections shares one key set, so a rotation completed on one connection
// is visible to sends on all of them.
package crypt

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this protocol.
const hkdfInfo = "titan-encryption-key"

// hkdfSaltSize is the per-exchange random salt length.
const hkdfSaltSize = 32

// aeadKeySize is the derived AES-256-GCM key length.
const aeadKeySize = 32

// generateECDHKey creates a fresh P-256 key pair for one exchange.
func generateECDHKey() (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDH key: %w", err)
	}
	return key, nil
}

// generateSigningKey creates a fresh ECDSA P-256 signing key pair.
func generateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDSA key: %w", err)
	}
	return key, nil
}

// newSalt returns a fresh random HKDF salt.
func newSalt() ([]byte, error) {
	salt := make([]byte, hkdfSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate HKDF salt: %w", err)
	}
	return salt, nil
}

// deriveAEADKey turns the ECDH shared secret into a 32-byte AEAD key with
// HKDF-SHA-256.
func deriveAEADKey(serverKey *ecdh.PrivateKey, clientPub *ecdh.PublicKey, salt []byte) ([]byte, error) {
	secret, err := serverKey.ECDH(clientPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH agreement: %w", err)
	}
	reader := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo))
	key := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF expand: %w", err)
	}
	return key, nil
}

// marshalPublicKey encodes any supported public key as SubjectPublicKeyInfo.
func marshalPublicKey(pub any) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// parseECDHPublicKey decodes an SPKI-encoded P-256 public key for key
// agreement. The x509 parser yields an *ecdsa.PublicKey for EC keys; the
// ECDH view is derived from it.
func parseECDHPublicKey(der []byte) (*ecdh.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse ECDH public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an EC key")
	}
	if ecPub.Curve != elliptic.P256() {
		return nil, errors.New("public key is not on P-256")
	}
	return ecPub.ECDH()
}

// parseSigningPublicKey decodes an SPKI-encoded ECDSA verify key.
func parseSigningPublicKey(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse signing public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("signing key is not ECDSA")
	}
	return ecPub, nil
}

// sign produces an ASN.1 ECDSA-SHA-256 signature over data.
func sign(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign transcript: %w", err)
	}
	return sig, nil
}

// verify checks an ASN.1 ECDSA-SHA-256 signature over data.
func verify(pub *ecdsa.PublicKey, data, signature []byte) bool {
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], signature)
}
