// Package auth covers token issuance and verification with secret rotation,
// the one-shot bootstrap, login and the RBAC permission sets.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload the Core signs and verifies.
type Claims struct {
	Username      string   `json:"username,omitempty"`
	OrgID         string   `json:"org_id,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	AllowedTopics []string `json:"allowed_topics,omitempty"`
	Superadmin    bool     `json:"superadmin,omitempty"`
	jwt.RegisteredClaims
}

// Keyring signs with one secret and verifies against a superset of secrets,
// so tokens minted under a retiring key stay valid through rotation.
type Keyring struct {
	signSecret    string
	verifySecrets []string
	tokenTTL      time.Duration
}

// NewKeyring builds a keyring. The verify set always includes the sign
// secret.
func NewKeyring(signSecret string, verifySecrets []string, tokenTTL time.Duration) (*Keyring, error) {
	if signSecret == "" {
		return nil, fmt.Errorf("jwt sign secret is empty")
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	verify := verifySecrets
	found := false
	for _, s := range verify {
		if s == signSecret {
			found = true
			break
		}
	}
	if !found {
		verify = append([]string{signSecret}, verify...)
	}
	return &Keyring{signSecret: signSecret, verifySecrets: verify, tokenTTL: tokenTTL}, nil
}

// Sign mints an HS256 token for the subject.
func (k *Keyring) Sign(claims Claims) (string, error) {
	now := time.Now().UTC()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(k.tokenTTL))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(k.signSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token against every verification secret; the first
// secret that checks out wins. All failing, the last error is returned.
func (k *Keyring) Verify(tokenStr string) (*Claims, error) {
	var lastErr error
	for _, secret := range k.verifySecrets {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err == nil && token.Valid {
			return claims, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no verification secrets configured")
	}
	return nil, fmt.Errorf("token verification failed: %w", lastErr)
}

// ============================================================================
// ROTATION STATE
// ============================================================================

// RotationState is the process-global record of the last secret rotation,
// persisted as a file under the home directory.
type RotationState struct {
	RotatedAt    int64 `json:"rotated_at"`
	GraceSeconds int   `json:"grace_seconds"`
}

const rotationStateFile = "jwt-rotation-state.json"

// LoadRotationState reads the rotation file; a missing file yields a zero
// state.
func LoadRotationState(home string) (*RotationState, error) {
	raw, err := os.ReadFile(filepath.Join(home, rotationStateFile))
	if os.IsNotExist(err) {
		return &RotationState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rotation state: %w", err)
	}
	var st RotationState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse rotation state: %w", err)
	}
	return &st, nil
}

// SaveRotationState writes the rotation file atomically.
func SaveRotationState(home string, st *RotationState) error {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := filepath.Join(home, rotationStateFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write rotation state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(home, rotationStateFile))
}

// InGrace reports whether the retiring secret is still inside its grace
// window.
func (st *RotationState) InGrace(now time.Time) bool {
	if st.RotatedAt == 0 {
		return false
	}
	deadline := time.UnixMilli(st.RotatedAt).Add(time.Duration(st.GraceSeconds) * time.Second)
	return now.Before(deadline)
}
