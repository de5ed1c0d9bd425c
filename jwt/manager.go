package jwt

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the JWS algorithm for one token kind.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519 keys.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256 over a shared secret.
	MethodHS256 SigningMethod = "hs256"

	minHMACKeyBytes = 32
)

var (
	// ErrTokenExpired is returned for well-signed tokens past their exp claim.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for any other verification failure.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrInvalidConfig is returned by NewCodec for unusable key material.
	ErrInvalidConfig = errors.New("invalid token configuration")
)

// KeyConfig describes signing material and registered claims for one token kind.
type KeyConfig struct {
	SigningMethod SigningMethod
	// PrivateKey is the HMAC secret for hs256, or an Ed25519 private key
	// (raw or PEM) for ed25519.
	PrivateKey []byte
	// PublicKey is required for ed25519 when PrivateKey is absent.
	PublicKey []byte
	KeyID     string
	Issuer    string
	Audience  string
	TTL       time.Duration
}

// Config configures a Codec. Access and Refresh must not share key material
// or an issuer/audience pair.
type Config struct {
	Access       KeyConfig
	Refresh      KeyConfig
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	Now          func() time.Time
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Role  string `json:"role"`
	SID   string `json:"sid"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. The registered jti
// identifies the token for optional rotation checks.
type RefreshClaims struct {
	UID string `json:"uid"`
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// Codec signs and verifies access and refresh tokens. It performs no I/O
// and is safe for concurrent use.
type Codec struct {
	access       *signer
	refresh      *signer
	leeway       time.Duration
	maxFutureIAT time.Duration
	now          func() time.Time
}

type signer struct {
	cfg       KeyConfig
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
}

// NewCodec validates cfg and pre-parses key material.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, fmt.Errorf("%w: leeway must be within [0, 2m]", ErrInvalidConfig)
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, fmt.Errorf("%w: invalid MaxFutureIAT", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	access, err := newSigner("access", cfg.Access)
	if err != nil {
		return nil, err
	}
	refresh, err := newSigner("refresh", cfg.Refresh)
	if err != nil {
		return nil, err
	}

	if len(cfg.Access.PrivateKey) > 0 && bytes.Equal(cfg.Access.PrivateKey, cfg.Refresh.PrivateKey) {
		return nil, fmt.Errorf("%w: access and refresh keys must differ", ErrInvalidConfig)
	}
	if len(cfg.Access.PublicKey) > 0 && bytes.Equal(cfg.Access.PublicKey, cfg.Refresh.PublicKey) {
		return nil, fmt.Errorf("%w: access and refresh keys must differ", ErrInvalidConfig)
	}
	if cfg.Access.Issuer == cfg.Refresh.Issuer && cfg.Access.Audience == cfg.Refresh.Audience {
		return nil, fmt.Errorf("%w: access and refresh issuer/audience must differ", ErrInvalidConfig)
	}

	return &Codec{
		access:       access,
		refresh:      refresh,
		leeway:       cfg.Leeway,
		maxFutureIAT: cfg.MaxFutureIAT,
		now:          cfg.Now,
	}, nil
}

func newSigner(kind string, cfg KeyConfig) (*signer, error) {
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: %s ttl must be > 0", ErrInvalidConfig, kind)
	}
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.Audience) == "" {
		return nil, fmt.Errorf("%w: %s issuer and audience are required", ErrInvalidConfig, kind)
	}

	s := &signer{cfg: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < minHMACKeyBytes {
			return nil, fmt.Errorf("%w: %s hs256 secret must be at least %d bytes", ErrInvalidConfig, kind, minHMACKeyBytes)
		}
		s.method = jwt.SigningMethodHS256
		s.signKey = cfg.PrivateKey
		s.verifyKey = cfg.PrivateKey
	case MethodEd25519:
		s.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) == 0 {
			return nil, fmt.Errorf("%w: %s ed25519 requires a private key", ErrInvalidConfig, kind)
		}
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, kind, err)
		}
		s.signKey = priv
		s.verifyKey = priv.Public()
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, kind, err)
			}
			if !pub.Equal(priv.Public()) {
				return nil, fmt.Errorf("%w: %s public key does not match private key", ErrInvalidConfig, kind)
			}
			s.verifyKey = pub
		}
	default:
		return nil, fmt.Errorf("%w: %s unsupported signing method %q", ErrInvalidConfig, kind, cfg.SigningMethod)
	}
	return s, nil
}

// AccessTTL reports the configured access-token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.access.cfg.TTL }

// SignAccess mints an access token and returns it with its expiry.
func (c *Codec) SignAccess(uid, email, role, sid string) (string, time.Time, error) {
	now := c.now()
	exp := now.Add(c.access.cfg.TTL)
	claims := AccessClaims{
		UID:              uid,
		Email:            email,
		Role:             role,
		SID:              sid,
		RegisteredClaims: c.access.registered(now, exp, ""),
	}
	token, err := c.access.sign(claims)
	return token, exp, err
}

// SignRefresh mints a refresh token carrying jti and returns it with its expiry.
func (c *Codec) SignRefresh(uid, sid, jti string) (string, time.Time, error) {
	now := c.now()
	exp := now.Add(c.refresh.cfg.TTL)
	claims := RefreshClaims{
		UID:              uid,
		SID:              sid,
		RegisteredClaims: c.refresh.registered(now, exp, jti),
	}
	token, err := c.refresh.sign(claims)
	return token, exp, err
}

// ParseAccess verifies signature, algorithm, issuer, audience and expiry.
func (c *Codec) ParseAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(c.access, token, claims); err != nil {
		return nil, err
	}
	if claims.UID == "" || claims.SID == "" {
		return nil, fmt.Errorf("%w: missing subject claims", ErrTokenInvalid)
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token against the refresh key set.
func (c *Codec) ParseRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.parse(c.refresh, token, claims); err != nil {
		return nil, err
	}
	if claims.UID == "" || claims.SID == "" {
		return nil, fmt.Errorf("%w: missing subject claims", ErrTokenInvalid)
	}
	return claims, nil
}

func (c *Codec) parse(s *signer, tokenStr string, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.leeway > 0 {
		options = append(options, jwt.WithLeeway(c.leeway))
	}

	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, claims, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return ErrTokenInvalid
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: missing iat", ErrTokenInvalid)
	}
	if iat.Time.After(c.now().Add(c.maxFutureIAT)) {
		return fmt.Errorf("%w: iat too far in the future", ErrTokenInvalid)
	}
	return nil
}

func (s *signer) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != s.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	if s.cfg.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != s.cfg.KeyID {
			return nil, errors.New("unknown kid")
		}
	}
	return s.verifyKey, nil
}

func (s *signer) registered(now, exp time.Time, jti string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Audience:  jwt.ClaimStrings{s.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        jti,
	}
}

func (s *signer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	return token.SignedString(s.signKey)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
