// Package wellknown builds the documents that publish the broker's public
// signing key.
package wellknown

import (
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/ggoodman/agent-broker/keypair"
)

// JWKS returns a one-key set for cred. The key id is the fingerprint the
// platform stores for the user, so the two can be matched by eye.
func JWKS(cred *keypair.Credential) jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       cred.PublicKey(),
		KeyID:     keypair.FingerprintPrefix + cred.Fingerprint(),
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// PublicKeyDocument is what an operator needs to register the key with the
// platform user.
type PublicKeyDocument struct {
	Subject     string `json:"subject"`
	Issuer      string `json:"issuer"`
	Fingerprint string `json:"fingerprint"`
	PEM         string `json:"public_key_pem"`
}

// PublicKey describes cred's public half.
func PublicKey(cred *keypair.Credential) (PublicKeyDocument, error) {
	pem, err := cred.PublicKeyPEM()
	if err != nil {
		return PublicKeyDocument{}, fmt.Errorf("encode public key: %w", err)
	}
	return PublicKeyDocument{
		Subject:     cred.QualifiedSubject(),
		Issuer:      cred.Issuer(),
		Fingerprint: keypair.FingerprintPrefix + cred.Fingerprint(),
		PEM:         string(pem),
	}, nil
}
