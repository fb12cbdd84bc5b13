// Package auth verifies bearer tokens and extracts the calling actor.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"roadside/internal/model"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Verifier validates tokens. Modes: dev (no verification, "role:actorId"),
// hmac (HS256 shared secret), jwks (RS256 keys from a JWKS URL).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	JWKSURL    string
	RoleClaim  string
	ActorClaim string

	http      *http.Client
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
	cacheTTL  time.Duration
}

// Options configure a Verifier.
type Options struct {
	Mode       string
	HMACSecret string
	JWKSURL    string
	RoleClaim  string
	ActorClaim string
}

func NewVerifier(o Options) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(o.Mode))
	if mode == "" {
		mode = "dev"
	}
	v := &Verifier{
		Mode:       mode,
		HMACSecret: []byte(o.HMACSecret),
		JWKSURL:    o.JWKSURL,
		RoleClaim:  o.RoleClaim,
		ActorClaim: o.ActorClaim,
		http:       &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   10 * time.Minute,
	}
	if v.RoleClaim == "" {
		v.RoleClaim = "role"
	}
	if v.ActorClaim == "" {
		v.ActorClaim = "sub"
	}
	return v
}

// Verify returns the actor the token speaks for.
func (v *Verifier) Verify(token string) (model.Actor, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return model.Actor{}, ErrInvalidToken
	}
	if v.Mode == "dev" {
		role, id, ok := strings.Cut(token, ":")
		if !ok || id == "" {
			return model.Actor{}, fmt.Errorf("%w: expected role:actorId", ErrInvalidToken)
		}
		return actor(role, id)
	}

	var keyfunc jwt.Keyfunc
	var methods []string
	switch v.Mode {
	case "hmac":
		methods = []string{jwt.SigningMethodHS256.Alg()}
		keyfunc = func(*jwt.Token) (any, error) { return v.HMACSecret, nil }
	case "jwks":
		methods = []string{jwt.SigningMethodRS256.Alg()}
		keyfunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.publicKey(kid)
		}
	default:
		return model.Actor{}, fmt.Errorf("unsupported auth mode %q", v.Mode)
	}

	parsed, err := jwt.Parse(token, keyfunc, jwt.WithValidMethods(methods))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Actor{}, ErrExpiredToken
		}
		return model.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return model.Actor{}, ErrInvalidToken
	}
	role, _ := claims[v.RoleClaim].(string)
	id, _ := claims[v.ActorClaim].(string)
	if id == "" {
		return model.Actor{}, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, v.ActorClaim)
	}
	return actor(role, id)
}

func actor(role, id string) (model.Actor, error) {
	r := model.Role(strings.ToLower(strings.TrimSpace(role)))
	switch r {
	case model.RoleCustomer, model.RoleMechanic, model.RoleAdmin:
	default:
		return model.Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	return model.Actor{ID: strings.TrimSpace(id), Role: r}, nil
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// publicKey returns the RSA key for kid, refetching the set when stale or
// when kid is unknown.
func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	k, ok := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return k, nil
	}
	if err := v.fetchJWKS(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if k, ok := v.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("kid %q not found in JWKS", kid)
}

func (v *Verifier) fetchJWKS() error {
	if v.JWKSURL == "" {
		return errors.New("jwks url not set")
	}
	resp, err := v.http.Get(v.JWKSURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return err
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return err
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
