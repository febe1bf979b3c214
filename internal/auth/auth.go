// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth is the Auth Gate: JWT dashboard sessions with CSRF pairing,
// API-key scopes for the /v1/* and selected /api/* surface, and the
// bootstrap/last-admin-guard invariants.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/llmlb/llmlb/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUnknownAPIKey      = errors.New("auth: unknown api key")
	ErrScopeDenied        = errors.New("auth: insufficient scope")
	ErrDebugKeyInRelease  = errors.New("auth: debug keys are refused in release builds")
)

// SessionTTL is how long an issued JWT session remains valid.
const SessionTTL = 24 * time.Hour

// Claims is the JWT payload for a dashboard session.
type Claims struct {
	UserID   string      `json:"sub"`
	Username string      `json:"username"`
	Role     storage.Role `json:"role"`
	jwt.RegisteredClaims
}

// Gate is the single entry point request handlers use to authenticate
// sessions and API keys.
type Gate struct {
	users   storage.Users
	apiKeys storage.APIKeys
	secret  *memguard.LockedBuffer
}

// New builds a Gate, copying jwtSecret into memguard-locked memory and
// wiping the caller's copy of the string is not possible in Go (strings are
// immutable), but the Gate's own copy never lands on the regular, swappable
// heap for the remainder of the process.
func New(users storage.Users, apiKeys storage.APIKeys, jwtSecret string) *Gate {
	buf := memguard.NewBufferFromBytes([]byte(jwtSecret))
	return &Gate{users: users, apiKeys: apiKeys, secret: buf}
}

// Close wipes the locked JWT secret. Safe to call once at shutdown.
func (g *Gate) Close() { g.secret.Destroy() }

// --- bootstrap & password management ---------------------------------------

// Bootstrap ensures at least one admin exists. If no admin user exists
// and adminUsername/adminPassword are both set, it creates the initial
// admin; otherwise it returns ErrBootstrapRequired so the caller can refuse
// to serve traffic until credentials are supplied interactively.
var ErrBootstrapRequired = errors.New("auth: no users exist and no admin credentials were supplied")

func (g *Gate) Bootstrap(ctx context.Context, adminUsername, adminPassword string) error {
	admins, err := g.users.CountAdmins(ctx)
	if err != nil {
		return err
	}
	if admins > 0 {
		return nil
	}
	if adminUsername == "" || adminPassword == "" {
		return ErrBootstrapRequired
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), 12)
	if err != nil {
		return fmt.Errorf("hashing bootstrap admin password: %w", err)
	}
	return g.users.Create(ctx, &storage.User{
		ID:           uuid.NewString(),
		Username:     adminUsername,
		PasswordHash: string(hash),
		Role:         storage.RoleAdmin,
	})
}

// DeleteUser enforces the last-admin guard by delegating to storage, which
// returns storage.ErrConflict when id is the sole remaining admin.
func (g *Gate) DeleteUser(ctx context.Context, id string) error {
	return g.users.Delete(ctx, id)
}

// --- session login -----------------------------------------------------

// Login verifies username/password and, on success, issues a signed JWT
// plus a CSRF token the caller must pair with a sibling cookie.
func (g *Gate) Login(ctx context.Context, username, password string) (token, csrfToken string, expiresAt time.Time, err error) {
	u, err := g.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", "", time.Time{}, ErrInvalidCredentials
		}
		return "", "", time.Time{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", "", time.Time{}, ErrInvalidCredentials
	}

	exp := time.Now().Add(SessionTTL)
	claims := Claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   u.ID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret.Bytes())
	if err != nil {
		return "", "", time.Time{}, err
	}
	csrf, err := randomToken(32)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, csrf, exp, nil
}

// ValidateSession parses and validates a session JWT.
func (g *Gate) ValidateSession(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret.Bytes(), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid session token")
	}
	return claims, nil
}

// CheckCSRF compares the header token against the cookie token in constant
// time; mutating dashboard requests must call this in addition to having a
// valid session.
func CheckCSRF(headerToken, cookieToken string) bool {
	if headerToken == "" || cookieToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) == 1
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// --- API keys ------------------------------------------------------------

const apiKeyPrefix = "sk_"

// IssueAPIKey mints a new bearer credential, returning the full plaintext
// key (shown to the caller exactly once) and the persisted record carrying
// only its hash.
func (g *Gate) IssueAPIKey(ctx context.Context, ownerUserID string, permissions storage.StringSet, expiresAt *time.Time) (plaintext string, rec *storage.APIKey, err error) {
	body, err := randomToken(16) // 32 hex chars
	if err != nil {
		return "", nil, err
	}
	plaintext = apiKeyPrefix + body
	hash := sha256.Sum256([]byte(plaintext))
	rec = &storage.APIKey{
		ID:          uuid.NewString(),
		OwnerUserID: ownerUserID,
		KeyHash:     hex.EncodeToString(hash[:]),
		Permissions: permissions,
		ExpiresAt:   expiresAt,
	}
	if err := g.apiKeys.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return plaintext, rec, nil
}

// debugKeysAllowed is flipped by debug_enabled.go, which is compiled only
// with the debug build tag; release builds leave it false.
var debugKeysAllowed = false

// AuthenticateAPIKey resolves a bearer token to its record and enforces the
// required scope. Fixed sk_debug* keys are honored only when the binary was
// built with the debug build tag.
func (g *Gate) AuthenticateAPIKey(ctx context.Context, presented string, requiredScope string) (*storage.APIKey, error) {
	if strings.HasPrefix(presented, "sk_debug") {
		if !debugKeysAllowed {
			return nil, ErrDebugKeyInRelease
		}
		return &storage.APIKey{ID: "debug", Permissions: storage.NewStringSet(requiredScope)}, nil
	}

	hash := sha256.Sum256([]byte(presented))
	key, err := g.apiKeys.GetByHash(ctx, hex.EncodeToString(hash[:]))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownAPIKey
		}
		return nil, err
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrUnknownAPIKey
	}
	if requiredScope != "" && !key.Permissions.Has(requiredScope) {
		return nil, ErrScopeDenied
	}
	_ = g.apiKeys.TouchLastUsed(ctx, key.ID)
	return key, nil
}

// ExtractBearer pulls the credential out of either an Authorization: Bearer
// header or an X-API-Key header, preferring the former.
func ExtractBearer(authHeader, apiKeyHeader string) string {
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return apiKeyHeader
}
