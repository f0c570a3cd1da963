// Package signing produces and verifies detached JWS signatures (RFC 7797)
// over raw webhook payloads.
//
// A signature has the form "<header>..<signature>": the payload segment is
// left empty and the verifier supplies the payload bytes itself. The header
// is always {"alg":"ES256","kid":...,"b64":false,"crit":["b64"]}.
package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sumup/ucp/internal/logger"
)

// Algorithm is the only JWS algorithm produced and accepted.
const Algorithm = "ES256"

// DefaultHistorySize is the number of retired keys kept for verification.
const DefaultHistorySize = 3

var (
	ErrUnknownKey         = errors.New("signing key not found")
	ErrInvalidHeader      = errors.New("invalid signature header")
	ErrMalformedSignature = errors.New("malformed detached signature")
	ErrVerificationFailed = errors.New("signature verification failed")
)

// Header is the protected JWS header.
type Header struct {
	Alg  string   `json:"alg"`
	Kid  string   `json:"kid"`
	B64  *bool    `json:"b64,omitempty"`
	Crit []string `json:"crit,omitempty"`
}

type signingKey struct {
	jwk       JWK
	private   *ecdsa.PrivateKey
	createdAt time.Time
	retiredAt time.Time
}

// Service owns the active signing key and a bounded history of retired keys.
type Service struct {
	mu          sync.RWMutex
	current     *signingKey
	history     []*signingKey
	historySize int
	initial     *ecdsa.PrivateKey
	clock       func() time.Time
	log         *logger.Logger
}

// Option configures a [Service].
type Option func(*Service)

// WithKey uses key as the active signing key instead of generating one.
func WithKey(key *ecdsa.PrivateKey) Option {
	return func(s *Service) {
		s.initial = key
	}
}

// WithHistorySize overrides how many retired keys stay verifiable.
func WithHistorySize(n int) Option {
	if n < 0 {
		panic("signing: history size must not be negative")
	}
	return func(s *Service) {
		s.historySize = n
	}
}

// WithClock provides deterministic time in tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		s.clock = fn
	}
}

// WithLogger sets the logger used for key lifecycle events.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// New builds a signing service. The active key is generated on first use
// unless one is supplied with [WithKey].
func New(opts ...Option) *Service {
	s := &Service{
		historySize: DefaultHistorySize,
		clock:       time.Now,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Sign returns a detached signature for payload made with the active key.
func (s *Service) Sign(payload []byte) (string, error) {
	key, err := s.activeKey()
	if err != nil {
		return "", err
	}
	return signDetached(key.private, key.jwk.Kid, payload)
}

// KeyID returns the kid of the active key, generating the key if needed.
func (s *Service) KeyID() (string, error) {
	key, err := s.activeKey()
	if err != nil {
		return "", err
	}
	return key.jwk.Kid, nil
}

// RotateKey retires the active key into the history and makes a fresh key
// active. The oldest retired key is dropped once the history is full.
func (s *Service) RotateKey() (JWK, error) {
	next, err := newSigningKey(nil, s.clock())
	if err != nil {
		return JWK{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.retiredAt = s.clock()
		s.history = append([]*signingKey{s.current}, s.history...)
		if len(s.history) > s.historySize {
			s.history = s.history[:s.historySize]
		}
		s.log.Info("signing key rotated", "retired_kid", s.current.jwk.Kid, "kid", next.jwk.Kid)
	}
	s.current = next
	return next.jwk, nil
}

// PublicKeys returns the active key followed by retired keys, newest first.
func (s *Service) PublicKeys() ([]JWK, error) {
	if _, err := s.activeKey(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JWK, 0, 1+len(s.history))
	out = append(out, s.current.jwk)
	for _, k := range s.history {
		out = append(out, k.jwk)
	}
	return out, nil
}

// KeySet returns [Service.PublicKeys] as a JWK set.
func (s *Service) KeySet() (KeySet, error) {
	keys, err := s.PublicKeys()
	if err != nil {
		return KeySet{}, err
	}
	return KeySet{Keys: keys}, nil
}

// Verify checks a detached signature against payload using the active key,
// the retired keys and any caller supplied trusted keys.
func (s *Service) Verify(signature string, payload []byte, trusted ...JWK) error {
	s.mu.RLock()
	keys := make([]JWK, 0, 1+len(s.history)+len(trusted))
	if s.current != nil {
		keys = append(keys, s.current.jwk)
	}
	for _, k := range s.history {
		keys = append(keys, k.jwk)
	}
	s.mu.RUnlock()
	keys = append(keys, trusted...)
	return VerifyDetached(signature, payload, keys)
}

func (s *Service) activeKey() (*signingKey, error) {
	s.mu.RLock()
	key := s.current
	s.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current, nil
	}
	key, err := newSigningKey(s.initial, s.clock())
	if err != nil {
		return nil, err
	}
	s.current = key
	s.log.Info("signing key initialised", "kid", key.jwk.Kid)
	return key, nil
}

func newSigningKey(priv *ecdsa.PrivateKey, now time.Time) (*signingKey, error) {
	if priv == nil {
		var err error
		priv, err = GenerateKey()
		if err != nil {
			return nil, err
		}
	}
	jwk, err := PublicJWK(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &signingKey{jwk: jwk, private: priv, createdAt: now}, nil
}

// GenerateKey creates a new P-256 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	return key, nil
}

// VerifyDetached verifies signature over payload with the key named by the
// header kid, which must be present in keys.
func VerifyDetached(signature string, payload []byte, keys []JWK) error {
	headerB64, sigB64, err := splitDetached(signature)
	if err != nil {
		return err
	}
	header, err := decodeHeader(headerB64)
	if err != nil {
		return err
	}

	var jwk *JWK
	for i := range keys {
		if keys[i].Kid == header.Kid {
			jwk = &keys[i]
			break
		}
	}
	if jwk == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKey, header.Kid)
	}
	pub, err := jwk.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownKey, err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: signature segment: %v", ErrMalformedSignature, err)
	}
	if err := jwt.SigningMethodES256.Verify(signingInput(headerB64, payload), sig, pub); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nil
}

// KeyIDFromSignature returns the kid of a detached signature without
// verifying it.
func KeyIDFromSignature(signature string) (string, error) {
	headerB64, _, err := splitDetached(signature)
	if err != nil {
		return "", err
	}
	header, err := decodeHeader(headerB64)
	if err != nil {
		return "", err
	}
	return header.Kid, nil
}

func signDetached(priv *ecdsa.PrivateKey, kid string, payload []byte) (string, error) {
	b64 := false
	return signWithHeader(priv, Header{Alg: Algorithm, Kid: kid, B64: &b64, Crit: []string{"b64"}}, payload)
}

func signWithHeader(priv *ecdsa.PrivateKey, header Header, payload []byte) (string, error) {
	raw, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	headerB64 := base64.RawURLEncoding.EncodeToString(raw)
	sig, err := jwt.SigningMethodES256.Sign(signingInput(headerB64, payload), priv)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return headerB64 + ".." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func signingInput(headerB64 string, payload []byte) string {
	return headerB64 + "." + string(payload)
}

func splitDetached(signature string) (string, string, error) {
	parts := strings.Split(signature, ".")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedSignature, len(parts))
	}
	if parts[1] != "" {
		return "", "", fmt.Errorf("%w: payload segment must be empty", ErrMalformedSignature)
	}
	if parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: empty header or signature", ErrMalformedSignature)
	}
	return parts[0], parts[2], nil
}

func decodeHeader(headerB64 string) (Header, error) {
	raw, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if header.Alg != Algorithm {
		return Header{}, fmt.Errorf("%w: alg must be %s", ErrInvalidHeader, Algorithm)
	}
	if header.B64 == nil || *header.B64 {
		return Header{}, fmt.Errorf("%w: b64 must be false", ErrInvalidHeader)
	}
	critB64 := false
	for _, c := range header.Crit {
		if c == "b64" {
			critB64 = true
		}
	}
	if !critB64 {
		return Header{}, fmt.Errorf("%w: crit must list b64", ErrInvalidHeader)
	}
	if header.Kid == "" {
		return Header{}, fmt.Errorf("%w: kid is required", ErrInvalidHeader)
	}
	return header, nil
}
