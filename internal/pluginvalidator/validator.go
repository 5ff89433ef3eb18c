// Package pluginvalidator verifies the detached signature embedded in a
// plugin archive's manifest before install/upgrade. It is "the validator"
// the core merely consults — the signing/allowlist policy that decides
// which public keys are trusted is a collaborator concern the core never
// implements itself.
package pluginvalidator

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrManifestInvalid means the manifest is malformed or its signature
	// does not verify against the configured public key.
	ErrManifestInvalid = errors.New("pluginvalidator: manifest signature invalid")
	// ErrManifestExpired means the manifest carries an exp claim in the past.
	ErrManifestExpired = errors.New("pluginvalidator: manifest expired")
)

// ManifestClaims is the signed structure embedded in a plugin archive,
// identifying the template it installs or upgrades.
type ManifestClaims struct {
	jwt.RegisteredClaims
	TemplateID string `json:"template_id"`
	Script     string `json:"script"`
	Version    string `json:"version"`
}

// Validator verifies RS256-signed plugin manifests against a configured
// public key — the mirror image of the teacher's JWTManager, minus signing:
// this package only ever verifies, never issues, plugin manifests.
type Validator struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// NewValidator parses a PEM-encoded RSA public key and returns a Validator
// that only accepts manifests issued by issuer.
func NewValidator(publicKeyPEM []byte, issuer string) (*Validator, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("pluginvalidator: failed to decode public key PEM block")
	}

	pubInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pluginvalidator: parse public key: %w", err)
	}
	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("pluginvalidator: public key is not an RSA key")
	}

	return &Validator{publicKey: publicKey, issuer: issuer}, nil
}

// ValidateManifest parses and verifies a manifest JWT string, returning its
// claims on success.
func (v *Validator) ValidateManifest(manifestJWT string) (*ManifestClaims, error) {
	token, err := jwt.ParseWithClaims(
		manifestJWT,
		&ManifestClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("pluginvalidator: unexpected signing method: %v", t.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrManifestExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrManifestInvalid, err)
	}

	claims, ok := token.Claims.(*ManifestClaims)
	if !ok || !token.Valid || claims.TemplateID == "" {
		return nil, ErrManifestInvalid
	}
	return claims, nil
}

// parseUnverifiedClaims reads the claims out of a manifest JWT without
// checking its signature, so InspectArchive can still report an archive's
// template_id/version when the signature doesn't verify. Never used to
// authorize install or upgrade.
func parseUnverifiedClaims(manifestJWT string) (*ManifestClaims, error) {
	claims := &ManifestClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(manifestJWT, claims); err != nil {
		return nil, fmt.Errorf("pluginvalidator: parse manifest: %w", err)
	}
	return claims, nil
}
