// Package wallet provides key management for the remittance engine. A base key identifies the
// party and per-thread keys are derived from it so settlement artifacts can be signed without
// reusing the identity key.
package wallet

import (
	"context"
	"crypto/sha256"

	"github.com/tokenized/pkg/bitcoin"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSignature = errors.New("Invalid Signature")
)

// KeyWallet identifies a party by a single base key.
type KeyWallet struct {
	baseKey bitcoin.Key
}

func NewKeyWallet(baseKey bitcoin.Key) *KeyWallet {
	return &KeyWallet{
		baseKey: baseKey,
	}
}

// GenerateKeyWallet creates a wallet with a new random base key.
func GenerateKeyWallet() (*KeyWallet, error) {
	key, err := bitcoin.GenerateKey(bitcoin.MainNet)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	return NewKeyWallet(key), nil
}

// IdentityPublicKey returns the compressed hex public key of the base key. This is the stable
// identifier counterparties address messages to.
func (w *KeyWallet) IdentityPublicKey(ctx context.Context) (string, error) {
	return w.baseKey.PublicKey().String(), nil
}

// threadHash converts a thread id into a derivation hash.
func threadHash(threadID string) (*bitcoin.Hash32, error) {
	hash := sha256.Sum256([]byte(threadID))
	return bitcoin.NewHash32(hash[:])
}

// DeriveThreadKey derives the key used for a specific thread from the base key. The derivation
// is deterministic so a counterparty can recompute the matching public key from the thread id.
// When a derived value falls out of the curve's range the hash is rehashed until one fits.
func (w *KeyWallet) DeriveThreadKey(threadID string) (bitcoin.Key, error) {
	hash, err := threadHash(threadID)
	if err != nil {
		return bitcoin.Key{}, errors.Wrap(err, "hash")
	}

	for {
		key, err := w.baseKey.AddHash(*hash)
		if err != nil {
			if errors.Cause(err) == bitcoin.ErrOutOfRangeKey {
				rehash := sha256.Sum256(hash[:])
				hash, err = bitcoin.NewHash32(rehash[:])
				if err != nil {
					return bitcoin.Key{}, errors.Wrap(err, "rehash")
				}
				continue
			}
			return bitcoin.Key{}, errors.Wrap(err, "add hash")
		}

		return key, nil
	}
}

// ThreadPublicKey computes the public key a counterparty should expect signatures from on a
// thread, given the signer's identity public key.
func ThreadPublicKey(identityPublicKey, threadID string) (bitcoin.PublicKey, error) {
	basePublicKey, err := bitcoin.PublicKeyFromStr(identityPublicKey)
	if err != nil {
		return bitcoin.PublicKey{}, errors.Wrap(err, "public key")
	}

	hash, err := threadHash(threadID)
	if err != nil {
		return bitcoin.PublicKey{}, errors.Wrap(err, "hash")
	}

	for {
		publicKey, err := basePublicKey.AddHash(*hash)
		if err != nil {
			if errors.Cause(err) == bitcoin.ErrOutOfRangeKey {
				rehash := sha256.Sum256(hash[:])
				hash, err = bitcoin.NewHash32(rehash[:])
				if err != nil {
					return bitcoin.PublicKey{}, errors.Wrap(err, "rehash")
				}
				continue
			}
			return bitcoin.PublicKey{}, errors.Wrap(err, "add hash")
		}

		return publicKey, nil
	}
}

// SignDigest signs the SHA256 of data with the thread key.
func (w *KeyWallet) SignDigest(threadID string, data []byte) (bitcoin.Signature, error) {
	key, err := w.DeriveThreadKey(threadID)
	if err != nil {
		return bitcoin.Signature{}, errors.Wrap(err, "derive key")
	}

	digest := sha256.Sum256(data)
	signHash, err := bitcoin.NewHash32(digest[:])
	if err != nil {
		return bitcoin.Signature{}, errors.Wrap(err, "hash")
	}

	signature, err := key.Sign(*signHash)
	if err != nil {
		return bitcoin.Signature{}, errors.Wrap(err, "sign")
	}

	return signature, nil
}

// VerifyDigest checks a thread key signature over the SHA256 of data.
func VerifyDigest(identityPublicKey, threadID string, data []byte,
	signature bitcoin.Signature) error {

	publicKey, err := ThreadPublicKey(identityPublicKey, threadID)
	if err != nil {
		return errors.Wrap(err, "thread key")
	}

	digest := sha256.Sum256(data)
	signHash, err := bitcoin.NewHash32(digest[:])
	if err != nil {
		return errors.Wrap(err, "hash")
	}

	if !signature.Verify(*signHash, publicKey) {
		return ErrInvalidSignature
	}

	return nil
}
