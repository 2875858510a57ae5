package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyfileVersion   = 2
)

// keyfile is the on-disk format of a sealed operator key. Identity is stored
// in clear so an operator can tell which principal a file controls without
// the password.
type keyfile struct {
	Version    int    `json:"version"`
	Identity   string `json:"identity"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig tells LoadSigner where an operator key lives. RawPrivateKey wins
// over KeyfilePath when both are set.
type KeyConfig struct {
	RawPrivateKey string
	KeyfilePath   string
	Password      string
}

// Seal encrypts the signer's key with PBKDF2-HMAC-SHA256 and AES-256-GCM.
// The identity is bound as additional data, so a keyfile whose identity
// field was edited fails to open.
func Seal(s *Signer, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto/keystore: password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto/keystore: salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/keystore: nonce: %w", err)
	}

	ident := s.Identity().String()
	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(s.privateKey), []byte(ident))

	return json.MarshalIndent(keyfile{
		Version:    keyfileVersion,
		Identity:   ident,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// Open decrypts a keyfile produced by Seal.
func Open(data []byte, password string) (*Signer, error) {
	if password == "" {
		return nil, errors.New("crypto/keystore: password must not be empty")
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("crypto/keystore: parse: %w", err)
	}
	if kf.Version != keyfileVersion {
		return nil, fmt.Errorf("crypto/keystore: unsupported version %d", kf.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto/keystore: salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto/keystore: nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto/keystore: ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	raw, err := gcm.Open(nil, nonce, sealed, []byte(kf.Identity))
	if err != nil {
		return nil, fmt.Errorf("crypto/keystore: decryption failed (wrong password?): %w", err)
	}
	pk, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto/keystore: key: %w", err)
	}
	return signerFromKey(pk), nil
}

// LoadSigner resolves an operator key from cfg.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	if cfg.RawPrivateKey != "" {
		return NewSigner(cfg.RawPrivateKey)
	}
	if cfg.KeyfilePath != "" {
		data, err := os.ReadFile(cfg.KeyfilePath)
		if err != nil {
			return nil, fmt.Errorf("crypto/keystore: read %s: %w", cfg.KeyfilePath, err)
		}
		return Open(data, cfg.Password)
	}
	return nil, errors.New("crypto/keystore: no key source configured")
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto/keystore: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto/keystore: gcm: %w", err)
	}
	return gcm, nil
}
