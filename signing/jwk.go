package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

const coordinateSize = 32

// JWK is the public form of a signing key as published in discovery documents.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// KeySet is a JWK set document.
type KeySet struct {
	Keys []JWK `json:"keys"`
}

// PublicJWK encodes pub as a P-256 JWK whose kid is its RFC 7638 thumbprint.
func PublicJWK(pub *ecdsa.PublicKey) (JWK, error) {
	if pub == nil || pub.Curve != elliptic.P256() {
		return JWK{}, errors.New("signing: only P-256 keys are supported")
	}
	jwk := JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, coordinateSize))),
		Y:   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, coordinateSize))),
		Use: "sig",
		Alg: Algorithm,
	}
	jwk.Kid = Thumbprint(jwk)
	return jwk, nil
}

// Thumbprint computes the RFC 7638 thumbprint of an EC key.
func Thumbprint(jwk JWK) string {
	canonical := fmt.Sprintf(`{"crv":%q,"kty":%q,"x":%q,"y":%q}`, jwk.Crv, jwk.Kty, jwk.X, jwk.Y)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PublicKey decodes the JWK back into an ECDSA public key.
func (j JWK) PublicKey() (*ecdsa.PublicKey, error) {
	if j.Kty != "EC" {
		return nil, fmt.Errorf("unsupported key type: %s", j.Kty)
	}
	return ecdsaFromXY(j.Crv, j.X, j.Y)
}

func ecdsaFromXY(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", crv)
	}

	xb, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, err
	}
	yb, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, err
	}

	x := new(big.Int).SetBytes(xb)
	y := new(big.Int).SetBytes(yb)

	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("invalid EC point")
	}

	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// ParsePrivateKeyPEM reads an "EC PRIVATE KEY" (SEC 1) or "PRIVATE KEY"
// (PKCS #8) block holding a P-256 key.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing: no PEM block found")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signing: parse EC key: %w", err)
		}
		return checkCurve(key)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signing: parse PKCS8 key: %w", err)
		}
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing: PEM key is not ECDSA")
		}
		return checkCurve(key)
	default:
		return nil, fmt.Errorf("signing: unsupported PEM block %q", block.Type)
	}
}

// EncodePrivateKeyPEM serializes key as a SEC 1 PEM block.
func EncodePrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func checkCurve(key *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if key.Curve != elliptic.P256() {
		return nil, errors.New("signing: only P-256 keys are supported")
	}
	return key, nil
}
