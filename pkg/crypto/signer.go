// Package crypto signs and verifies API requests with secp256k1 keys, the
// same keys that identify accounts on the exchange.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadSignature = errors.New("signature does not match account")

// Signer holds one account's private key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func GenerateKey() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(key), nil
}

// FromPrivateKeyHex accepts 64 hex chars with or without 0x.
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	if len(hexKey) > 1 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(key), nil
}

func newSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address { return s.address }

// PrivateKeyHex returns the key without 0x. Never log it.
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// Sign returns a 65-byte [R || S || V] signature over a 32-byte hash.
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// SignRequest signs the request digest and returns it 0x-hex encoded, the
// form the X-Signature header carries.
func (s *Signer) SignRequest(method, path string, body []byte, timestamp string) (string, error) {
	sig, err := s.Sign(RequestDigest(method, path, body, timestamp))
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// RecoverAddress returns the address whose key produced signature over hash.
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}
	pub, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest checks that sigHex was produced by account's key over
// the request.
func VerifyRequest(account common.Address, method, path string, body []byte, timestamp, sigHex string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	got, err := RecoverAddress(RequestDigest(method, path, body, timestamp), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if got != account {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, got.Hex())
	}
	return nil
}
