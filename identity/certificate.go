// Package identity owns the device TLS identity: a persisted self-signed
// certificate, its pinned-fingerprint verification, and pairing material.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"

	// certificateValidity is the self-signed certificate lifetime.
	certificateValidity = 10 * 365 * 24 * time.Hour
)

var (
	// ErrPinMismatch indicates the presented certificate fingerprint does not
	// match the pinned value. Treated as a security failure, never retried.
	ErrPinMismatch = errors.New("identity: peer certificate fingerprint does not match pin")
	// ErrNoPeerCertificate indicates the peer presented no certificate.
	ErrNoPeerCertificate = errors.New("identity: peer presented no certificate")
)

// Fingerprint is the SHA-256 digest of a certificate in DER form, hex encoded.
type Fingerprint string

// FingerprintDER computes the fingerprint of a DER-encoded certificate.
func FingerprintDER(der []byte) Fingerprint {
	sum := sha256.Sum256(der)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Equal compares two fingerprints in constant time.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if len(f) != len(other) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(f), []byte(other)) == 1
}

// CertificateManager holds the local TLS identity and validates peers.
//
// The private key is kept in process memory only; callers never see more
// than the public certificate fingerprint.
type CertificateManager struct {
	cert        tls.Certificate
	fingerprint Fingerprint
}

// LoadOrCreate loads the certificate/key pair from certPath/keyPath,
// generating and persisting a fresh self-signed pair on first run.
func LoadOrCreate(certPath, keyPath, deviceID, displayName string) (*CertificateManager, error) {
	manager, err := loadFromFiles(certPath, keyPath)
	if err == nil {
		return manager, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"device_id": deviceID,
		"cert_path": certPath,
	}).Info("generating self-signed device certificate")

	certDER, keyDER, err := generateSelfSigned(deviceID, displayName)
	if err != nil {
		return nil, err
	}
	if err := writePEM(certPath, certificatePEMType, certDER, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(keyPath, privateKeyPEMType, keyDER, 0o600); err != nil {
		return nil, err
	}

	return loadFromFiles(certPath, keyPath)
}

// Fingerprint returns the local certificate fingerprint for out-of-band
// verification in the pairing flow.
func (m *CertificateManager) Fingerprint() Fingerprint {
	return m.fingerprint
}

// VerifyPeerCertificate checks a presented DER certificate against an
// optional pinned fingerprint.
//
// With a pin the match must be exact or ErrPinMismatch is returned. Without
// a pin the certificate is accepted for transport encryption only and the
// returned bool is false to signal unverified identity.
func (m *CertificateManager) VerifyPeerCertificate(presentedDER []byte, pin Fingerprint) (verified bool, err error) {
	if len(presentedDER) == 0 {
		return false, ErrNoPeerCertificate
	}
	presented := FingerprintDER(presentedDER)
	if pin == "" {
		logrus.WithField("fingerprint", presented).Warn("accepting peer certificate without pin; identity not verified")
		return false, nil
	}
	if !presented.Equal(pin) {
		return false, fmt.Errorf("%w: presented %s", ErrPinMismatch, presented)
	}
	return true, nil
}

// ServerTLSConfig returns the TLS config for the transfer listener.
func (m *CertificateManager) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequestClientCert,
	}
}

// ClientTLSConfig returns the TLS config for dialing a peer. Standard chain
// verification is disabled because peers use self-signed certificates; the
// pin check in VerifyPeerCertificate replaces it.
func (m *CertificateManager) ClientTLSConfig(pin Fingerprint) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{m.cert},
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrNoPeerCertificate
			}
			_, err := m.VerifyPeerCertificate(rawCerts[0], pin)
			return err
		},
	}
}

func loadFromFiles(certPath, keyPath string) (*CertificateManager, error) {
	certDER, err := readPEM(certPath, certificatePEMType)
	if err != nil {
		return nil, err
	}
	keyDER, err := readPEM(keyPath, privateKeyPEMType)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &CertificateManager{
		cert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		fingerprint: FingerprintDER(certDER),
	}, nil
}

func generateSelfSigned(deviceID, displayName string) (certDER, keyDER []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         displayName,
			Organization:       []string{"Pebble"},
			OrganizationalUnit: []string{deviceID},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"pebble.local"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err = x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create self-signed certificate: %w", err)
	}
	keyDER, err = x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	return certDER, keyDER, nil
}

func readPEM(path, pemType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pemType, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block in %q", pemType, path)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", pemType, block.Type)
	}
	return block.Bytes, nil
}

func writePEM(path, pemType string, der []byte, mode os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", pemType, err)
	}
	return nil
}
