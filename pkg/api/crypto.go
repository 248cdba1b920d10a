package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32
	pbkdf2Iter = 100_000
	saltLen    = 16
)

// signer signs session ids with a key derived from the admin secret.
type signer struct {
	key []byte
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	return salt, nil
}

func newSigner(secret string, salt []byte) signer {
	return signer{key: pbkdf2.Key([]byte(secret), salt, pbkdf2Iter, keyLen, sha256.New)}
}

func (s signer) mac(id string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(id))
	return m.Sum(nil)
}

// sign returns the cookie value for id: the id and its MAC joined by a dot.
func (s signer) sign(id string) string {
	return id + "." + base64.RawURLEncoding.EncodeToString(s.mac(id))
}

// verify returns the id of a signed value when the MAC matches.
func (s signer) verify(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(got, s.mac(id)) {
		return "", false
	}
	return id, true
}
