package fakeapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const (
	sessionIDSize     = 16
	refreshSecretSize = 32
	refreshTokenSize  = sessionIDSize + refreshSecretSize
)

var errRefreshTokenFormat = errors.New("invalid refresh token")

type sessionID [sessionIDSize]byte

func newSessionID() (sessionID, error) {
	var sid sessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s sessionID) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func newRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func hashSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// encodeRefreshToken packs the session id and secret into one opaque string.
func encodeRefreshToken(sid sessionID, secret [refreshSecretSize]byte) string {
	var raw [refreshTokenSize]byte
	copy(raw[:sessionIDSize], sid[:])
	copy(raw[sessionIDSize:], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func decodeRefreshToken(token string) (sessionID, [refreshSecretSize]byte, error) {
	var sid sessionID
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != refreshTokenSize {
		return sid, secret, errRefreshTokenFormat
	}
	copy(sid[:], raw[:sessionIDSize])
	copy(secret[:], raw[sessionIDSize:])
	return sid, secret, nil
}
