// Package crypto provides envelope encryption for designated entity
// fields and an append-only, hash-chained audit log recording every
// mutating and admin operation.
package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/kvdb/engine/internal/errors"
)

// MasterKeySize is the required length of a master key, matching
// secretbox's fixed 32-byte key size.
const MasterKeySize = 32

// Sealed is an encrypted field value: a freshly generated per-field data
// key, itself wrapped (sealed) under the master key, alongside the
// payload sealed under the data key. Both seals use independent random
// nonces.
type Sealed struct {
	WrappedDataKey []byte
	DataKeyNonce   [24]byte
	Ciphertext     []byte
	PayloadNonce   [24]byte
}

// Sealer seals and opens entity fields under one master key using the
// envelope pattern: a random per-field data key encrypts the payload,
// and the master key encrypts (wraps) only that data key.
type Sealer struct {
	masterKey [MasterKeySize]byte
}

// NewSealer builds a Sealer from a caller-supplied master key. The key is
// never derived from or exchanged with a remote KMS; callers own its
// lifecycle.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != MasterKeySize {
		return nil, errors.New(errors.InvalidArgument, "crypto.NewSealer", "master key must be 32 bytes")
	}
	s := &Sealer{}
	copy(s.masterKey[:], masterKey)
	return s, nil
}

// Seal encrypts plaintext under a freshly generated data key, then wraps
// that data key under the master key.
func (s *Sealer) Seal(plaintext []byte) (Sealed, error) {
	var dataKey [MasterKeySize]byte
	if _, err := rand.Read(dataKey[:]); err != nil {
		return Sealed{}, errors.Wrap(errors.Internal, "crypto.Seal", err)
	}

	var payloadNonce [24]byte
	if _, err := rand.Read(payloadNonce[:]); err != nil {
		return Sealed{}, errors.Wrap(errors.Internal, "crypto.Seal", err)
	}
	ciphertext := secretbox.Seal(nil, plaintext, &payloadNonce, &dataKey)

	var keyNonce [24]byte
	if _, err := rand.Read(keyNonce[:]); err != nil {
		return Sealed{}, errors.Wrap(errors.Internal, "crypto.Seal", err)
	}
	wrapped := secretbox.Seal(nil, dataKey[:], &keyNonce, &s.masterKey)

	return Sealed{
		WrappedDataKey: wrapped,
		DataKeyNonce:   keyNonce,
		Ciphertext:     ciphertext,
		PayloadNonce:   payloadNonce,
	}, nil
}

// Open reverses Seal: unwraps the data key under the master key, then
// decrypts the payload under the recovered data key.
func (s *Sealer) Open(sealed Sealed) ([]byte, error) {
	dataKey, ok := secretbox.Open(nil, sealed.WrappedDataKey, &sealed.DataKeyNonce, &s.masterKey)
	if !ok {
		return nil, errors.New(errors.Corrupt, "crypto.Open", "data key unwrap failed: wrong master key or corrupt envelope")
	}
	var key [MasterKeySize]byte
	copy(key[:], dataKey)

	plaintext, ok := secretbox.Open(nil, sealed.Ciphertext, &sealed.PayloadNonce, &key)
	if !ok {
		return nil, errors.New(errors.Corrupt, "crypto.Open", "payload decryption failed: corrupt ciphertext")
	}
	return plaintext, nil
}

// Encode flattens a Sealed value into one byte slice for storage, in the
// order: 2-byte wrapped-key length, wrapped key, 24-byte key nonce,
// 24-byte payload nonce, ciphertext (remainder).
func Encode(s Sealed) []byte {
	buf := make([]byte, 0, 2+len(s.WrappedDataKey)+24+24+len(s.Ciphertext))
	buf = append(buf, byte(len(s.WrappedDataKey)>>8), byte(len(s.WrappedDataKey)))
	buf = append(buf, s.WrappedDataKey...)
	buf = append(buf, s.DataKeyNonce[:]...)
	buf = append(buf, s.PayloadNonce[:]...)
	buf = append(buf, s.Ciphertext...)
	return buf
}

// Decode reverses Encode.
func Decode(data []byte) (Sealed, error) {
	if len(data) < 2 {
		return Sealed{}, errors.New(errors.Corrupt, "crypto.Decode", "truncated envelope")
	}
	wrappedLen := int(data[0])<<8 | int(data[1])
	data = data[2:]
	if len(data) < wrappedLen+24+24 {
		return Sealed{}, errors.New(errors.Corrupt, "crypto.Decode", "truncated envelope")
	}
	var sealed Sealed
	sealed.WrappedDataKey = append([]byte(nil), data[:wrappedLen]...)
	data = data[wrappedLen:]
	copy(sealed.DataKeyNonce[:], data[:24])
	data = data[24:]
	copy(sealed.PayloadNonce[:], data[:24])
	data = data[24:]
	sealed.Ciphertext = append([]byte(nil), data...)
	return sealed, nil
}
