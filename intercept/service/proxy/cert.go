package proxy

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"
)

// ErrNoRootCA is returned when no root CA has been generated or loaded.
var ErrNoRootCA = errors.New("root CA certificate not available")

// CertManager owns the root CA used by the proxy front-end for TLS interception.
type CertManager struct {
	mu      sync.RWMutex
	dir     string
	keyBits int
	caCert  *x509.Certificate
	caKey   crypto.Signer
}

// NewCertManager loads an existing CA from dir if both files are present.
// A missing CA is not an error; call GenerateRootCA to create one.
func NewCertManager(dir string) (*CertManager, error) {
	m := &CertManager{dir: dir, keyBits: 4096}

	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	certExists := certErr == nil
	keyExists := keyErr == nil

	if certExists != keyExists {
		if certExists {
			return nil, fmt.Errorf("CA certificate exists at %s but key is missing at %s; delete both to regenerate", certPath, keyPath)
		}
		return nil, fmt.Errorf("CA key exists at %s but certificate is missing at %s; delete both to regenerate", keyPath, certPath)
	} else if !certExists {
		return m, nil
	}

	if err := m.load(certPath, keyPath); err != nil {
		return nil, err
	}
	return m, nil
}

// GenerateRootCA creates a new root CA, replacing any existing one on disk.
func (m *CertManager) GenerateRootCA() error {
	key, err := rsa.GenerateKey(rand.Reader, m.keyBits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"intercept"},
			CommonName:   "intercept Root CA",
		},
		NotBefore:             now.Add(-time.Hour), // clock skew tolerance
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := writeFileAtomic(filepath.Join(m.dir, caCertFile), certPEM, 0644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := writeFileAtomic(filepath.Join(m.dir, caKeyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}

	m.mu.Lock()
	m.caCert = cert
	m.caKey = key
	m.mu.Unlock()
	return nil
}

// RootCertPEM returns the CA certificate PEM encoded.
func (m *CertManager) RootCertPEM() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.caCert == nil {
		return nil, ErrNoRootCA
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.caCert.Raw}), nil
}

// CACert returns the CA certificate, or nil if none is available.
func (m *CertManager) CACert() *x509.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caCert
}

func (m *CertManager) load(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return errors.New("failed to parse CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return errors.New("failed to parse CA key PEM")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	if !cert.IsCA {
		return fmt.Errorf("certificate at %s is not a CA certificate; delete both files to regenerate", certPath)
	} else if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return fmt.Errorf("certificate at %s lacks KeyUsageCertSign; delete both files to regenerate", certPath)
	} else if time.Now().After(cert.NotAfter) {
		return fmt.Errorf("certificate at %s has expired; delete both files to regenerate", certPath)
	}

	m.caCert = cert
	m.caKey = key
	return nil
}

// parsePrivateKey tries to parse a private key in various formats.
// Supports PKCS#8 (RSA, ECDSA, Ed25519), PKCS#1 (RSA), and SEC1 (ECDSA).
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, errors.New("PKCS#8 key does not implement crypto.Signer")
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key (tried PKCS#8, PKCS#1, SEC1)")
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
