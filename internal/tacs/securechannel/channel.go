// Package securechannel derives the session key of a lease and seals the
// frames exchanged with a vehicle.
package securechannel

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrAuthFailed = errors.New("frame authentication failed")
	ErrShortFrame = errors.New("frame too short")
	ErrReplayed   = errors.New("frame counter not increasing")
)

const (
	keyInfo     = "tacs-session"
	counterSize = 8
	headerSize  = counterSize + chacha20poly1305.NonceSizeX
)

// DeriveKey derives the session key from the lease's access key and the blob.
func DeriveKey(accessKey string, blob []byte, counter int) [chacha20poly1305.KeySize]byte {
	info := make([]byte, len(keyInfo)+counterSize)
	copy(info, keyInfo)
	binary.BigEndian.PutUint64(info[len(keyInfo):], uint64(counter))

	var key [chacha20poly1305.KeySize]byte
	r := hkdf.New(sha256.New, []byte(accessKey), blob, info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		// hkdf only fails past 255 blocks.
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return key
}

// Channel seals outgoing and opens incoming frames of one session. Frames
// are counter(8) || nonce(24) || ciphertext; the counter is authenticated as
// associated data and must strictly increase per direction.
type Channel struct {
	aead cipher.AEAD

	mu   sync.Mutex
	sent uint64
	recv uint64
}

// New returns a channel keyed with key.
func New(key [chacha20poly1305.KeySize]byte) (*Channel, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Channel{aead: aead}, nil
}

// Seal encrypts plain into a frame.
func (c *Channel) Seal(plain []byte) ([]byte, error) {
	c.mu.Lock()
	c.sent++
	n := c.sent
	c.mu.Unlock()

	frame := make([]byte, headerSize, headerSize+len(plain)+c.aead.Overhead())
	binary.BigEndian.PutUint64(frame[:counterSize], n)
	nonce := frame[counterSize:headerSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(frame, nonce, plain, frame[:counterSize]), nil
}

// Open authenticates and decrypts a frame.
func (c *Channel) Open(frame []byte) ([]byte, error) {
	if len(frame) < headerSize+c.aead.Overhead() {
		return nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint64(frame[:counterSize])
	nonce := frame[counterSize:headerSize]

	plain, err := c.aead.Open(nil, nonce, frame[headerSize:], frame[:counterSize])
	if err != nil {
		return nil, ErrAuthFailed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= c.recv {
		return nil, ErrReplayed
	}
	c.recv = n
	return plain, nil
}
