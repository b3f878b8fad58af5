package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

const (
	alpn       = "melodybrain-admin/1"
	serverName = "melodybrain-admin"
)

var (
	ErrMissingSecret = xerrors.New("admin secret is empty")

	hkdfSalt = []byte("melodybrain admin feed")
	hkdfInfo = []byte("ed25519 certificate key v1")
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// adminCert derives the feed certificate from secret. Both ends derive the
// same certificate, so the client pins it instead of trusting a CA.
func adminCert(secret string) (tls.Certificate, *x509.Certificate, error) {
	if secret == "" {
		return tls.Certificate{}, nil, ErrMissingSecret
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), hkdfSalt, hkdfInfo), seed); err != nil {
		return tls.Certificate{}, nil, xerrors.Errorf("derive key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
		DNSNames:              []string{serverName},
	}
	// ed25519 signatures are deterministic and ignore the reader.
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, xerrors.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, xerrors.Errorf("parse certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, leaf, nil
}

func serverTLSConfig(secret string) (*tls.Config, error) {
	cert, _, err := adminCert(secret)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig(secret string) (*tls.Config, error) {
	_, leaf, err := adminCert(secret)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		NextProtos: []string{alpn},
		MinVersion: tls.VersionTLS13,
	}, nil
}
