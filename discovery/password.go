package discovery

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/pkg/errors"
)

// LoadPrivateKey parses a PKCS1 RSA private key from PEM bytes (the
// key_path file named in a KV service's config).
func LoadPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("discovery: no PEM block found in private key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: parsing PKCS1 private key")
	}
	return key, nil
}

// DecryptPassword decrypts a base64-encoded RSA-OAEP ciphertext (a
// service config's "password" field) into its UTF-8 plaintext, using
// sha256 as the OAEP hash per the original's key generation convention.
func DecryptPassword(key *rsa.PrivateKey, encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "discovery: password is not valid base64")
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, "discovery: RSA-OAEP decrypt failed")
	}
	return string(plaintext), nil
}
