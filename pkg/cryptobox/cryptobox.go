// Package cryptobox seals replication payloads and signs them for the
// relay. The relay stores and forwards what this package produces
// without ever being able to read it.
//
// Sealing is AES-256-GCM with a random 12-byte IV per message. The
// sealed form is ASCII so it travels safely through JSON:
//
//	SINGLE:<base64(iv || ciphertext)>
//	CHUNKED:<n>:<chunk>.<chunk>...   for plaintexts above ChunkSize,
//	                                 each chunk sealed independently
//
// Signing is ed25519. A signature is the signer's public key followed
// by the signature bytes, so verification "recovers" the account id
// (derived from the public key) instead of needing a key registry:
// the relay checks that the recovered id matches the claimed one,
// which is all an untrusted relay can or should check.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrDecrypt covers tampered ciphertext, a wrong key, and
	// unrecognized framing. No partial plaintext is ever returned.
	ErrDecrypt = errors.New("cannot decrypt payload")

	// ErrSignatureMismatch is returned when a signature does not
	// verify or recovers a different account than claimed.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

const (
	ivSize  = 12
	keySize = 32

	// ChunkSize is the plaintext threshold above which Seal switches
	// to CHUNKED framing.
	ChunkSize = 64 * 1024

	singleTag  = "SINGLE:"
	chunkedTag = "CHUNKED:"
)

// NewKey returns a fresh random 32-byte symmetric key.
func NewKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with AES-256-GCM.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(plaintext) <= ChunkSize {
		sealed, err := sealOne(key, plaintext)
		if err != nil {
			return nil, err
		}
		return append([]byte(singleTag), sealed...), nil
	}
	var chunks []string
	for off := 0; off < len(plaintext); off += ChunkSize {
		end := off + ChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		sealed, err := sealOne(key, plaintext[off:end])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, string(sealed))
	}
	out := chunkedTag + strconv.Itoa(len(chunks)) + ":" + strings.Join(chunks, ".")
	return []byte(out), nil
}

// Open decrypts a payload produced by Seal. Any framing, count, or
// authentication failure is ErrDecrypt; nothing partial is returned.
func Open(key, sealed []byte) ([]byte, error) {
	s := string(sealed)
	switch {
	case strings.HasPrefix(s, singleTag):
		return openOne(key, s[len(singleTag):])
	case strings.HasPrefix(s, chunkedTag):
		rest := s[len(chunkedTag):]
		sep := strings.IndexByte(rest, ':')
		if sep < 0 {
			return nil, fmt.Errorf("%w: malformed chunked framing", ErrDecrypt)
		}
		count, err := strconv.Atoi(rest[:sep])
		if err != nil || count <= 0 {
			return nil, fmt.Errorf("%w: bad chunk count", ErrDecrypt)
		}
		chunks := strings.Split(rest[sep+1:], ".")
		if len(chunks) != count {
			return nil, fmt.Errorf("%w: chunk count %d, frame says %d", ErrDecrypt, len(chunks), count)
		}
		var plain []byte
		for _, c := range chunks {
			p, err := openOne(key, c)
			if err != nil {
				return nil, err
			}
			plain = append(plain, p...)
		}
		return plain, nil
	default:
		return nil, fmt.Errorf("%w: unknown framing", ErrDecrypt)
	}
}

func sealOne(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(iv, iv, plaintext, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

func openOne(key []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	if len(raw) < ivSize {
		return nil, fmt.Errorf("%w: truncated", ErrDecrypt)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, raw[:ivSize], raw[ivSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Keypair is an account signing identity.
type Keypair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewKeypair generates a fresh account identity.
func NewKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{pub: pub, priv: priv}, nil
}

// KeypairFromSeed rebuilds an identity from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// Seed returns the private seed for persistence.
func (k *Keypair) Seed() []byte { return k.priv.Seed() }

// AccountID derives the account id from the public key.
func (k *Keypair) AccountID() string { return accountID(k.pub) }

func accountID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16]
}

// Sign signs data. The output embeds the public key so a verifier can
// recover the account id.
func (k *Keypair) Sign(data []byte) []byte {
	sig := ed25519.Sign(k.priv, data)
	out := make([]byte, 0, len(k.pub)+len(sig))
	out = append(out, k.pub...)
	return append(out, sig...)
}

// RecoverAccountID verifies sig over data and returns the account id
// of the signer.
func RecoverAccountID(data, sig []byte) (string, error) {
	if len(sig) != ed25519.PublicKeySize+ed25519.SignatureSize {
		return "", fmt.Errorf("%w: signature length %d", ErrSignatureMismatch, len(sig))
	}
	pub := ed25519.PublicKey(sig[:ed25519.PublicKeySize])
	if !ed25519.Verify(pub, data, sig[ed25519.PublicKeySize:]) {
		return "", ErrSignatureMismatch
	}
	return accountID(pub), nil
}
