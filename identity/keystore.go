// Package identity adapts the teacher's encrypted keystore into node and
// miner identity management: generating an ed25519 key pair, deriving the
// base58 peer ID and miner key a composite block credits, and persisting
// the private key password-encrypted on disk. There is no wallet, no
// transaction signing, and no address/balance concept here — the core
// only ever needs "which key am I" and "who mined this block".
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tolelom/multiverse/crypto"
)

// pbkdf2Iterations matches the teacher's keystore derivation cost.
const pbkdf2Iterations = 210_000

// Identity is a node's or miner's key pair plus the derived identifiers
// the rest of the core needs: a base58 peer ID for the Peer Book, and a
// miner key string credited on mined blocks.
type Identity struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// Generate creates a fresh Identity with a new ed25519 key pair.
func Generate() (*Identity, error) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// FromPrivateKey wraps an already-loaded private key as an Identity.
func FromPrivateKey(priv crypto.PrivateKey) *Identity {
	return &Identity{priv: priv, pub: priv.Public()}
}

// PrivateKey returns the raw private key. Handle with care.
func (id *Identity) PrivateKey() crypto.PrivateKey { return id.priv }

// PeerID returns the base58 peer identifier the Peer Book indexes by.
func (id *Identity) PeerID() string { return id.pub.PeerID() }

// MinerKey returns the hex-encoded public key credited as a mined
// block's miner_key (spec.md §3).
func (id *Identity) MinerKey() string { return id.pub.Hex() }

type keystoreFile struct {
	PubKey     string `json:"pub_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// Save encrypts the identity's private key with password and writes it
// to path as a JSON keystore, in the same AES-GCM-over-PBKDF2 shape the
// teacher's wallet.SaveKey used.
func (id *Identity) Save(path, password string) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	cipherText := gcm.Seal(nil, nonce, id.priv, nil)

	ks := keystoreFile{
		PubKey:     id.pub.Hex(),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Load decrypts the keystore at path using password and returns the
// resulting Identity.
func Load(path, password string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore %q: %w", path, err)
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("parse keystore %q: %w", path, err)
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return nil, fmt.Errorf("decode cipher text: %w", err)
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, errors.New("wrong password or corrupted keystore")
	}
	return FromPrivateKey(crypto.PrivateKey(privBytes)), nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
}
