package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// commandPrefix domain-separates command digests from any other keccak
// preimage signed with the same key.
const commandPrefix = "\x19binopt command:\n"

// Signer signs command digests with a secp256k1 key. Its ledger identity is
// keccak256 of the uncompressed public key (without the 0x04 prefix).
type Signer struct {
	privateKey *ecdsa.PrivateKey
	identity   domain.Identity
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return signerFromKey(pk), nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generating key: %w", err)
	}
	return signerFromKey(pk), nil
}

func signerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: pk, identity: IdentityFromPublicKey(&pk.PublicKey)}
}

// Identity returns the ledger identity controlled by this key.
func (s *Signer) Identity() domain.Identity {
	return s.identity
}

// PrivateKeyHex returns the hex-encoded private key without 0x prefix.
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte digest and returns the 65-byte r || s || v signature
// hex-encoded with a 0x prefix. v is 27 or 28.
func (s *Signer) Sign(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// SignCommand signs the digest of an HTTP command.
func (s *Signer) SignCommand(method, path string, timestamp int64, body []byte) (string, error) {
	return s.Sign(CommandDigest(method, path, timestamp, body))
}

// IdentityFromPublicKey derives the ledger identity of a public key.
func IdentityFromPublicKey(pub *ecdsa.PublicKey) domain.Identity {
	var id domain.Identity
	copy(id[:], ethcrypto.Keccak256(ethcrypto.FromECDSAPub(pub)[1:]))
	return id
}

// CommandDigest is the message signed for an HTTP command:
//
//	keccak256(prefix || method || 0x00 || path || 0x00 || timestamp(BE u64) || keccak256(body))
func CommandDigest(method, path string, timestamp int64, body []byte) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	return ethcrypto.Keccak256(
		[]byte(commandPrefix),
		[]byte(strings.ToUpper(method)),
		[]byte{0},
		[]byte(path),
		[]byte{0},
		ts[:],
		ethcrypto.Keccak256(body),
	)
}

// RecoverIdentity returns the identity whose key produced sigHex over digest.
// Only the canonical form produced by Sign is accepted: v is 27 or 28 and s
// is in the lower half of the curve order, so each command has exactly one
// valid signature encoding.
func RecoverIdentity(digest []byte, sigHex string) (domain.Identity, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if len(sig) != 65 {
		return domain.Identity{}, fmt.Errorf("%w: signature must be 65 bytes, got %d", domain.ErrInvalidSignature, len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		return domain.Identity{}, fmt.Errorf("%w: recovery id must be 27 or 28, got %d", domain.ErrInvalidSignature, sig[64])
	}
	sig[64] -= 27
	r, sv := new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:64])
	if !ethcrypto.ValidateSignatureValues(sig[64], r, sv, true) {
		return domain.Identity{}, fmt.Errorf("%w: non-canonical signature values", domain.ErrInvalidSignature)
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return IdentityFromPublicKey(pub), nil
}
