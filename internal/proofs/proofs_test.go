package proofs

import (
	stdErrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var testDomain = Domain{
	ChainID:  big.NewInt(31337),
	Contract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
}

func TestSignRecoverRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	fp, err := MintFingerprint(testDomain, MintRequest{Account: signer, Amount: big.NewInt(100), Nonce: 5})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	sig, err := Sign(fp, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("expected 27/28 recovery id, got %d", v)
	}
	if err := Verify(fp, sig, signer); err != nil {
		t.Fatalf("verify: %v", err)
	}

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	if err := Verify(fp, raw, signer); err != nil {
		t.Fatalf("verify with 0/1 recovery id: %v", err)
	}
}

func TestVerifyRejectsOtherSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	account := crypto.PubkeyToAddress(key.PublicKey)

	fp, _ := MintFingerprint(testDomain, MintRequest{Account: account, Amount: big.NewInt(1), Nonce: 1})
	sig, _ := Sign(fp, other)
	if err := Verify(fp, sig, account); !stdErrors.Is(err, ErrSignerMismatch) {
		t.Fatalf("expected signer mismatch, got %v", err)
	}
	if _, err := Recover(fp, sig[:10]); !stdErrors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected malformed signature, got %v", err)
	}
}

func TestFingerprintSeparation(t *testing.T) {
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")
	amount := big.NewInt(40)

	mint, _ := MintFingerprint(testDomain, MintRequest{Account: account, Amount: amount, Nonce: 1})
	burn, _ := BurnFingerprint(testDomain, BurnRequest{Account: account, Amount: amount, Nonce: 1})
	if mint == burn {
		t.Fatal("mint and burn fingerprints must differ")
	}

	otherChain := Domain{ChainID: big.NewInt(1), Contract: testDomain.Contract}
	mintOther, _ := MintFingerprint(otherChain, MintRequest{Account: account, Amount: amount, Nonce: 1})
	if mint == mintOther {
		t.Fatal("fingerprints must be bound to the chain id")
	}

	otherContract := Domain{ChainID: testDomain.ChainID, Contract: common.HexToAddress("0x2222222222222222222222222222222222222222")}
	mintContract, _ := MintFingerprint(otherContract, MintRequest{Account: account, Amount: amount, Nonce: 1})
	if mint == mintContract {
		t.Fatal("fingerprints must be bound to the contract identity")
	}

	next, _ := MintFingerprint(testDomain, MintRequest{Account: account, Amount: amount, Nonce: 2})
	if mint == next {
		t.Fatal("fingerprints must be bound to the nonce")
	}

	again, _ := MintFingerprint(testDomain, MintRequest{Account: account, Amount: big.NewInt(40), Nonce: 1})
	if mint != again {
		t.Fatal("fingerprints must be deterministic")
	}
}

func TestFingerprintRequiresDomain(t *testing.T) {
	_, err := CreateIntentFingerprint(Domain{}, CreateIntentRequest{Amount: big.NewInt(1)})
	if err == nil {
		t.Fatal("expected error for empty domain")
	}
}
