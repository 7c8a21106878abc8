package signer

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/remitkit/remit/types"
)

// Domain is the EIP-712 domain the signer binds authorizations to.
// Signatures cannot be replayed across assets or networks because every
// component participates in the domain separator.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var (
	// TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)
	transferAuthTypeHash = crypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))

	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

// uint256Word right-aligns a big integer into a 32-byte word.
func uint256Word(i *big.Int) []byte {
	b := i.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// addressWord left-pads an address into a 32-byte word.
func addressWord(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

// separator computes the EIP-712 domain separator:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract)).
func (d Domain) separator() (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil {
		return common.Hash{}, errors.New("incomplete signing domain")
	}
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256Hash([]byte(d.Name)).Bytes(),
		crypto.Keccak256Hash([]byte(d.Version)).Bytes(),
		uint256Word(d.ChainID),
		addressWord(d.VerifyingContract),
	), nil
}

// structHash hashes the TransferWithAuthorization struct encoding.
func structHash(auth types.Authorization) common.Hash {
	return crypto.Keccak256Hash(
		transferAuthTypeHash.Bytes(),
		addressWord(auth.From),
		addressWord(auth.To),
		uint256Word(auth.Value),
		uint256Word(auth.ValidAfter),
		uint256Word(auth.ValidBefore),
		auth.Nonce[:],
	)
}

// Digest returns the final EIP-712 digest for the authorization:
// keccak256("\x19\x01" ‖ domainSeparator ‖ structHash).
func Digest(domain Domain, auth types.Authorization) (common.Hash, error) {
	sep, err := domain.separator()
	if err != nil {
		return common.Hash{}, err
	}
	sh := structHash(auth)
	prefix := []byte{0x19, 0x01}
	return crypto.Keccak256Hash(append(append(prefix, sep.Bytes()...), sh.Bytes()...)), nil
}

// Recover returns the address that signed the authorization digest. The
// signature must be 65 bytes r‖s‖v; v of 27/28 is normalized to 0/1.
func Recover(domain Domain, auth types.Authorization, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, types.NewError(types.ErrInvalidSignature, "signature must be 65 bytes")
	}
	digest, err := Digest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, types.NewError(types.ErrInvalidSignature, err.Error())
	}
	return crypto.PubkeyToAddress(*pub), nil
}
