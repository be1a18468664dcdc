// Package certgen mints the ephemeral TLS identity the CastV2 listener
// presents. Cast senders do not validate the chain, so a minimal self-signed
// certificate assembled in process is enough and nothing touches disk.
package certgen

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Identity is a freshly issued certificate and its private key, both
// PEM-encoded. Build one per process at startup and hand it to the listener.
type Identity struct {
	CertPEM []byte
	KeyPEM  []byte
}

// DER tag bytes for the handful of types a bare certificate needs.
const (
	tagInteger   = 0x02
	tagBitString = 0x03
	tagNull      = 0x05
	tagOID       = 0x06
	tagUTF8      = 0x0c
	tagUTCTime   = 0x17
	tagSequence  = 0x30
	tagSet       = 0x31
	tagVersion   = 0xa0 // context [0], constructed
)

const (
	subjectCN = "CastV2"
	notBefore = "250101000000Z"
	notAfter  = "350101000000Z"
)

var (
	oidSHA256WithRSA = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x0b}
	oidCommonName    = []byte{0x55, 0x04, 0x03}
)

// ErrElementTooLong reports a DER element above the two-byte length form.
// Nothing in a minimal certificate comes near it; hitting this means a bug,
// not bad input.
var ErrElementTooLong = errors.New("certgen: DER element exceeds 65535 bytes")

// Issue generates a 2048-bit RSA key and a self-signed certificate for it.
func Issue() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("certgen: generate RSA key: %w", err)
	}
	certDER, err := selfSign(key)
	if err != nil {
		return nil, err
	}
	return &Identity{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}, nil
}

// TLSCertificate pairs the identity for use in a tls.Config.
func (id *Identity) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(id.CertPEM, id.KeyPEM)
}

// selfSign emits the v3 certificate DER: TBS, algorithm identifier, and a
// PKCS#1 v1.5 SHA-256 signature over the encoded TBS.
func selfSign(key *rsa.PrivateKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("certgen: marshal public key: %w", err)
	}
	tbs, err := tbsCertificate(spki)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(tbs)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("certgen: sign certificate: %w", err)
	}

	alg, err := algorithmIdentifier()
	if err != nil {
		return nil, err
	}
	sigBits, err := derElement(tagBitString, append([]byte{0x00}, sig...))
	if err != nil {
		return nil, err
	}
	return derSequence(tbs, alg, sigBits)
}

func tbsCertificate(spki []byte) ([]byte, error) {
	versionInt, err := derElement(tagInteger, []byte{2})
	if err != nil {
		return nil, err
	}
	version, err := derElement(tagVersion, versionInt)
	if err != nil {
		return nil, err
	}
	serial, err := derElement(tagInteger, []byte{1})
	if err != nil {
		return nil, err
	}
	alg, err := algorithmIdentifier()
	if err != nil {
		return nil, err
	}
	name, err := singleRDN(subjectCN)
	if err != nil {
		return nil, err
	}
	val, err := validity()
	if err != nil {
		return nil, err
	}
	// Issuer and subject are the same RDN; the certificate signs itself.
	return derSequence(version, serial, alg, name, val, name, spki)
}

func algorithmIdentifier() ([]byte, error) {
	oid, err := derElement(tagOID, oidSHA256WithRSA)
	if err != nil {
		return nil, err
	}
	return derSequence(oid, []byte{tagNull, 0x00})
}

func singleRDN(cn string) ([]byte, error) {
	oid, err := derElement(tagOID, oidCommonName)
	if err != nil {
		return nil, err
	}
	value, err := derElement(tagUTF8, []byte(cn))
	if err != nil {
		return nil, err
	}
	attr, err := derSequence(oid, value)
	if err != nil {
		return nil, err
	}
	set, err := derElement(tagSet, attr)
	if err != nil {
		return nil, err
	}
	return derSequence(set)
}

func validity() ([]byte, error) {
	nb, err := derElement(tagUTCTime, []byte(notBefore))
	if err != nil {
		return nil, err
	}
	na, err := derElement(tagUTCTime, []byte(notAfter))
	if err != nil {
		return nil, err
	}
	return derSequence(nb, na)
}

func derSequence(parts ...[]byte) ([]byte, error) {
	var content []byte
	for _, p := range parts {
		content = append(content, p...)
	}
	return derElement(tagSequence, content)
}

// derElement prepends tag and definite length. Short form below 128, one
// length byte below 256, two below 65536; anything longer is rejected.
func derElement(tag byte, content []byte) ([]byte, error) {
	length, err := derLength(len(content))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(length)+len(content))
	out = append(out, tag)
	out = append(out, length...)
	return append(out, content...), nil
}

func derLength(n int) ([]byte, error) {
	switch {
	case n < 0x80:
		return []byte{byte(n)}, nil
	case n < 0x100:
		return []byte{0x81, byte(n)}, nil
	case n < 0x10000:
		return []byte{0x82, byte(n >> 8), byte(n)}, nil
	}
	return nil, ErrElementTooLong
}
