package signer

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/paygate-labs/paygate/internal/model"
)

var (
	// EIP712DomainTypeHash is the keccak256 hash of the EIP712Domain type definition
	// "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	EIP712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	// TransferWithAuthorizationTypeHash is the keccak256 hash of the EIP-3009 type definition
	TransferWithAuthorizationTypeHash = crypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

// Verifier recovers EIP-3009 authorization signers locally. This is the
// cheap pre-check in front of the facilitator: a signature that does not
// even recover to the payer never leaves the process.
type Verifier struct {
	chainID *big.Int
}

func NewVerifier(chainID int64) *Verifier {
	return &Verifier{chainID: big.NewInt(chainID)}
}

// DomainSeparator computes keccak256(abi.encode(typeHash, nameHash,
// versionHash, chainId, verifyingContract)). Manual ABI encoding, all
// fields are 32 bytes.
func (v *Verifier) DomainSeparator(domain model.SigningDomain, token common.Address) common.Hash {
	nameHash := crypto.Keccak256Hash([]byte(domain.Name))
	versionHash := crypto.Keccak256Hash([]byte(domain.Version))

	data := make([]byte, 32*5)
	copy(data[0:32], EIP712DomainTypeHash.Bytes())
	copy(data[32:64], nameHash.Bytes())
	copy(data[64:96], versionHash.Bytes())
	copy(data[96:128], math.U256Bytes(v.chainID))
	copy(data[128+12:160], token.Bytes())

	return crypto.Keccak256Hash(data)
}

// Digest computes the EIP-191 digest a wallet signed:
// keccak256("\x19\x01" || domainSeparator || hashStruct(authorization)).
func (v *Verifier) Digest(auth *model.ExactAuthorization, token common.Address, domain model.SigningDomain) (common.Hash, error) {
	structHash, err := hashAuthorization(auth)
	if err != nil {
		return common.Hash{}, err
	}
	separator := v.DomainSeparator(domain, token)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator.Bytes(), structHash), nil
}

// Recover returns the address that produced the signature over the digest.
func (v *Verifier) Recover(auth *model.ExactAuthorization, signature string, token common.Address, domain model.SigningDomain) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature encoding")
	}
	// Wallets emit V as 27/28; crypto.SigToPub wants 0/1.
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	digest, err := v.Digest(auth, token, domain)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyAuthorization checks that the payload signature recovers to the
// claimed payer.
func (v *Verifier) VerifyAuthorization(payload *model.PaymentPayload, token common.Address, domain model.SigningDomain) error {
	auth := &payload.Payload.Authorization
	recovered, err := v.Recover(auth, payload.Payload.Signature, token, domain)
	if err != nil {
		return err
	}
	if !bytes.Equal(recovered.Bytes(), common.HexToAddress(auth.From).Bytes()) {
		return fmt.Errorf("signature recovers to %s, expected %s", recovered.Hex(), auth.From)
	}
	return nil
}

// Sign produces an EIP-3009 signature over the authorization. Used by the
// inspector CLI and tests; the gate itself never signs anything.
func (v *Verifier) Sign(key *ecdsa.PrivateKey, auth *model.ExactAuthorization, token common.Address, domain model.SigningDomain) (string, error) {
	digest, err := v.Digest(auth, token, domain)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

// hashAuthorization calculates hashStruct(authorization):
// keccak256(abi.encode(typeHash, from, to, value, validAfter, validBefore, nonce)).
func hashAuthorization(auth *model.ExactAuthorization) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("invalid nonce")
	}

	// typeHash + 6 fields = 7 items * 32 bytes
	data := make([]byte, 32*7)
	copy(data[0:32], TransferWithAuthorizationTypeHash.Bytes())
	copy(data[32+12:64], common.HexToAddress(auth.From).Bytes())
	copy(data[64+12:96], common.HexToAddress(auth.To).Bytes())
	copy(data[96:128], math.U256Bytes(value))
	copy(data[128:160], math.U256Bytes(validAfter))
	copy(data[160:192], math.U256Bytes(validBefore))
	copy(data[192:224], nonce)

	return crypto.Keccak256(data), nil
}
