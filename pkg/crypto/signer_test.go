package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if len(signer.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(signer.PrivateKeyHex()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in[:4], err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestRecoverAddress(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256([]byte("deposit 10"))

	sig, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(sig) != 65 {
		t.Errorf("signature length = %d, want 65", len(sig))
	}

	got, err := RecoverAddress(hash, sig)
	if err != nil {
		t.Fatalf("failed to recover: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}

	if _, err := signer.Sign(hash[:31]); err == nil {
		t.Error("expected error for short hash")
	}
	if _, err := RecoverAddress(hash, sig[:64]); err == nil {
		t.Error("expected error for short signature")
	}
}

func TestRequestDigestSeparatesFields(t *testing.T) {
	a := RequestDigest("POST", "/api/v1/orders", []byte(`{"a":1}`), "1700000000")
	b := RequestDigest("POST", "/api/v1/orders{", []byte(`"a":1}`), "1700000000")
	if bytes.Equal(a, b) {
		t.Error("moving bytes between path and body must change the digest")
	}
	if len(a) != 32 {
		t.Errorf("digest length = %d, want 32", len(a))
	}
	if !bytes.Equal(a, RequestDigest("POST", "/api/v1/orders", []byte(`{"a":1}`), "1700000000")) {
		t.Error("digest must be deterministic")
	}
}

func TestVerifyRequest(t *testing.T) {
	signer, _ := GenerateKey()
	other, _ := GenerateKey()
	body := []byte(`{"asset":"native","amount":"10"}`)

	sig, err := signer.SignRequest("POST", "/api/v1/withdrawals", body, "1700000000")
	if err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}

	tests := []struct {
		name    string
		account common.Address
		path    string
		ts      string
		sig     string
		ok      bool
	}{
		{"valid", signer.Address(), "/api/v1/withdrawals", "1700000000", sig, true},
		{"other account", other.Address(), "/api/v1/withdrawals", "1700000000", sig, false},
		{"tampered path", signer.Address(), "/api/v1/deposits/native", "1700000000", sig, false},
		{"tampered timestamp", signer.Address(), "/api/v1/withdrawals", "1700000001", sig, false},
		{"not hex", signer.Address(), "/api/v1/withdrawals", "1700000000", "signature", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyRequest(tt.account, "POST", tt.path, body, tt.ts, tt.sig)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrBadSignature) {
				t.Fatalf("err = %v, want ErrBadSignature", err)
			}
		})
	}
}
