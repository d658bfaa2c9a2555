package jwt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of access-token claims the client reads. Signatures are
// never verified here: the server remains the only authority on token validity.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the user identifier carried by the token, preferring the
// application "userId" claim over the registered subject.
func (c *Claims) Identity() string {
	if c == nil {
		return ""
	}
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// UnmarshalJSON reads each claim on its own. Only exp must be well typed: a
// numeric userId or sub is kept as its decimal text and an unexpected aud is
// ignored, so unrelated claims never change the expiry decision.
func (c *Claims) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = Claims{}
	if v, ok := raw["exp"]; ok && !isNull(v) {
		var exp jwt.NumericDate
		if err := json.Unmarshal(v, &exp); err != nil {
			return fmt.Errorf("exp claim: %w", err)
		}
		c.ExpiresAt = &exp
	}
	c.IssuedAt = lenientDate(raw["iat"])
	c.NotBefore = lenientDate(raw["nbf"])

	c.UserID = lenientString(raw["userId"])
	c.Email = lenientString(raw["email"])
	c.Subject = lenientString(raw["sub"])
	c.Issuer = lenientString(raw["iss"])
	c.ID = lenientString(raw["jti"])

	var aud jwt.ClaimStrings
	if v, ok := raw["aud"]; ok && json.Unmarshal(v, &aud) == nil {
		c.Audience = aud
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func lenientString(v json.RawMessage) string {
	if isNull(v) {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return ""
	}
	switch x := out.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func lenientDate(v json.RawMessage) *jwt.NumericDate {
	if isNull(v) {
		return nil
	}
	var d jwt.NumericDate
	if json.Unmarshal(v, &d) != nil {
		return nil
	}
	return &d
}

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// DecodeClaims decodes the payload segment of token without verifying it.
// It returns nil for any malformed input and never panics.
func DecodeClaims(token string) *Claims {
	parts := strings.Split(token, ".")
	if len(parts) < 2 || parts[1] == "" {
		return nil
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return &claims
}

// ExpirationTime returns the token's exp claim. ok is false when the claim is
// absent or the token cannot be decoded.
func ExpirationTime(token string) (exp time.Time, ok bool) {
	claims := DecodeClaims(token)
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func decodeSegment(seg string) ([]byte, error) {
	out, err := segmentParser.DecodeSegment(seg)
	if err == nil {
		return out, nil
	}
	// Tokens minted by some stacks use the standard alphabet.
	if strings.ContainsAny(seg, "+/") {
		if out, stdErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(seg, "=")); stdErr == nil {
			return out, nil
		}
	}
	return nil, err
}

// Codec answers expiry questions about opaque bearer tokens against a clock.
//
// The zero value uses time.Now.
type Codec struct {
	Now func() time.Time
}

// NewCodec returns a [Codec] using now as its clock; nil means time.Now.
func NewCodec(now func() time.Time) *Codec {
	return &Codec{Now: now}
}

// ExpiresWithin reports whether token expires within threshold of now. Tokens
// without a decodable exp claim always need renewal.
func (c *Codec) ExpiresWithin(token string, threshold time.Duration) bool {
	exp, ok := ExpirationTime(token)
	if !ok {
		return true
	}
	return exp.Sub(c.now()) <= threshold
}

// Remaining returns the time left before token expires, or 0 when it is already
// expired or undecodable.
func (c *Codec) Remaining(token string) time.Duration {
	exp, ok := ExpirationTime(token)
	if !ok {
		return 0
	}
	left := exp.Sub(c.now())
	if left < 0 {
		return 0
	}
	return left
}

func (c *Codec) now() time.Time {
	if c == nil || c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
