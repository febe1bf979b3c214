// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secure keeps the process's at-rest encryption key for endpoint
// API keys off the regular Go heap using memguard, so a heap dump or swapped page cannot
// recover it. AES-GCM itself is stdlib: memguard ships no cipher of its
// own, only the protected-memory buffer the key lives in, so the actual
// sealing still has to be done by hand with crypto/aes.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrSealedTooShort is returned by Unseal when the ciphertext is too short
// to contain a nonce, indicating corruption or a key mismatch.
var ErrSealedTooShort = errors.New("secure: sealed value shorter than nonce")

// Vault holds a single AES-256 key in memguard-locked memory and seals or
// opens byte slices with it. One Vault is created at boot and used by the
// Endpoint Registry for endpoint API keys (the Auth Gate keeps its JWT
// secret in a memguard buffer of its own), so losing the process also loses
// every derived plaintext — there is no separate persisted key file to steal.
type Vault struct {
	mu  sync.Mutex
	key *memguard.LockedBuffer
}

// New allocates a fresh random key. The key never touches disk; restarting
// the process invalidates every value previously sealed with it, so
// callers must re-seal (or prompt an admin to re-enter) secrets at boot if
// this Vault is not the one that originally sealed them.
func New() (*Vault, error) {
	key := memguard.NewBufferRandom(32)
	if key == nil || key.Size() != 32 {
		return nil, errors.New("secure: failed to allocate locked key buffer")
	}
	return &Vault{key: key}, nil
}

// Close wipes the key from memory. Safe to call once at shutdown.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key.Destroy()
}

// Seal encrypts plaintext with AES-256-GCM, prefixing the random nonce.
func (v *Vault) Seal(plaintext string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secure: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Unseal reverses Seal. A mismatched key or corrupted ciphertext surfaces
// as an error from the underlying GCM tag check, never a silent garbage
// plaintext.
func (v *Vault) Unseal(sealed []byte) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secure: unseal failed: %w", err)
	}
	return string(plaintext), nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("secure: building cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
