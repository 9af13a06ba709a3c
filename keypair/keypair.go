// Package keypair resolves the RSA private key the broker signs with and the
// identity attributes that go with it.
//
// Key material may be supplied inline (for example through an environment
// variable, where newlines are often escaped or PEM armor is stripped) or as
// a path to a PEM file. Either way it is normalized and parsed exactly once;
// the resulting Credential is immutable for the life of the process.
package keypair

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ggoodman/agent-broker/brokererr"
)

// FingerprintPrefix is prepended to the fingerprint wherever the remote
// platform expects to see the hash algorithm named, as in the token issuer.
const FingerprintPrefix = "SHA256:"

// Source describes where the key and identity come from. Exactly one of
// PrivateKey and PrivateKeyPath must be set.
type Source struct {
	Account string
	User    string

	// PrivateKey is inline PEM (or bare base64 DER) key material.
	PrivateKey string
	// PrivateKeyPath points at a PEM file on disk.
	PrivateKeyPath string
}

// Credential is the resolved signing identity.
type Credential struct {
	account     string
	user        string
	key         *rsa.PrivateKey
	fingerprint string
}

// Resolve loads and parses the private key described by src. All failures are
// brokererr ConfigErrors. Key material never appears in returned errors.
func Resolve(src Source) (*Credential, error) {
	account := strings.TrimSpace(src.Account)
	user := strings.TrimSpace(src.User)
	if account == "" {
		return nil, brokererr.Configf("account identifier is required")
	}
	if user == "" {
		return nil, brokererr.Configf("user identifier is required")
	}

	inline := strings.TrimSpace(src.PrivateKey)
	path := strings.TrimSpace(src.PrivateKeyPath)

	var raw []byte
	switch {
	case inline != "" && path != "":
		return nil, brokererr.Configf("private key must come from exactly one source, got both inline material and a path")
	case inline != "":
		raw = []byte(inline)
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, brokererr.Configf("read private key file %q: %w", path, err)
		}
		raw = b
	default:
		return nil, brokererr.Configf("private key is required (inline or by path)")
	}

	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return NewCredential(account, user, key)
}

// NewCredential builds a Credential from an already parsed key.
func NewCredential(account, user string, key *rsa.PrivateKey) (*Credential, error) {
	if key == nil {
		return nil, brokererr.Configf("private key is required")
	}
	fp, err := Fingerprint(&key.PublicKey)
	if err != nil {
		return nil, brokererr.Configf("compute public key fingerprint: %w", err)
	}
	return &Credential{
		account:     strings.TrimSpace(account),
		user:        strings.TrimSpace(user),
		key:         key,
		fingerprint: fp,
	}, nil
}

// ParsePrivateKey normalizes raw key material and parses it as an RSA
// private key in PKCS#8 or PKCS#1 form.
func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	der, err := normalizeKey(raw)
	if err != nil {
		return nil, err
	}

	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, brokererr.Configf("private key is %T, want RSA", k)
		}
		return rk, nil
	}
	if rk, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return rk, nil
	}
	return nil, brokererr.Configf("private key is not a PKCS#8 or PKCS#1 RSA key")
}

// normalizeKey accepts PEM with real or escaped newlines, optional wrapping
// quotes, or bare base64 DER, and returns DER bytes.
func normalizeKey(raw []byte) ([]byte, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"'`)
	s = strings.ReplaceAll(s, `\r\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if s == "" {
		return nil, brokererr.Configf("private key is empty")
	}

	if strings.Contains(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, brokererr.Configf("private key PEM block could not be decoded")
		}
		if strings.Contains(block.Type, "ENCRYPTED") {
			return nil, brokererr.Configf("encrypted private keys are not supported")
		}
		return block.Bytes, nil
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, brokererr.Configf("private key is neither PEM nor base64 DER")
	}
	return der, nil
}

// Fingerprint returns the base64 (standard alphabet, padded) SHA-256 digest of
// the DER-encoded SubjectPublicKeyInfo of pub.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", errors.New("public key is nil")
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Account returns the account identifier as configured.
func (c *Credential) Account() string { return c.account }

// User returns the user identifier as configured.
func (c *Credential) User() string { return c.user }

// PrivateKey returns the signing key.
func (c *Credential) PrivateKey() *rsa.PrivateKey { return c.key }

// PublicKey returns the public half of the signing key.
func (c *Credential) PublicKey() *rsa.PublicKey { return &c.key.PublicKey }

// Fingerprint returns the base64 SHA-256 public key fingerprint, without prefix.
func (c *Credential) Fingerprint() string { return c.fingerprint }

// QualifiedSubject is ACCOUNT.USER, upper-cased, with any region or cloud
// suffix stripped from the account locator.
func (c *Credential) QualifiedSubject() string {
	return strings.ToUpper(NormalizeAccount(c.account)) + "." + strings.ToUpper(c.user)
}

// Issuer is the token issuer claim: the qualified subject followed by the
// fingerprint. The fingerprint keeps its SHA256: prefix, which is the form the
// platform accepts.
func (c *Credential) Issuer() string {
	return c.QualifiedSubject() + "." + FingerprintPrefix + c.fingerprint
}

// PublicKeyPEM renders the public key as a PKIX PEM block.
func (c *Credential) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&c.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// LogValue keeps key material out of structured logs.
func (c *Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account", c.account),
		slog.String("user", c.user),
		slog.String("fingerprint", FingerprintPrefix+c.fingerprint),
	)
}

// NormalizeAccount reduces an account identifier to the form used in token
// claims. Locators carrying a region ("xy12345.us-east-1") keep only the
// locator. Global accounts ("org-acct.global") drop everything from the
// first hyphen.
func NormalizeAccount(account string) string {
	account = strings.TrimSpace(account)
	if i := strings.Index(account, ".global"); i > 0 {
		account = account[:i]
		if j := strings.Index(account, "-"); j > 0 {
			account = account[:j]
		}
		return account
	}
	if i := strings.Index(account, "."); i > 0 {
		return account[:i]
	}
	return account
}
