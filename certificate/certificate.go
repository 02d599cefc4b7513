// Package certificate implements client TLS identities: self-signed
// certificates a Gemini client presents to a server, either transient
// (destroyed on deactivation) or persistent (kept on disk across
// sessions).
package certificate

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// transientDuration is how long a freshly generated transient identity's
// certificate remains valid.
const transientDuration = 24 * time.Hour

// persistentDuration is used for freshly generated persistent identities.
// Persistent identities are not rotated by the client; a long validity
// window avoids nagging the user to regenerate one.
const persistentDuration = 10 * 365 * 24 * time.Hour

// Identity is a client TLS certificate/key pair the engine may present
// during a handshake.
type Identity struct {
	Name      string // "" for transient identities
	CertPath  string
	KeyPath   string
	Transient bool

	// domainsShownTo is owned by the identity itself, not the session:
	// a set of hosts this identity's certificate has been presented to
	// during its current activation.
	domainsShownTo map[string]struct{}
}

// ShownTo reports whether host has already seen this identity's
// certificate during the identity's current activation.
func (id *Identity) ShownTo(host string) bool {
	_, ok := id.domainsShownTo[host]
	return ok
}

// MarkShownTo records that host has now seen this identity's certificate.
func (id *Identity) MarkShownTo(host string) {
	if id.domainsShownTo == nil {
		id.domainsShownTo = make(map[string]struct{})
	}
	id.domainsShownTo[host] = struct{}{}
}

// TLSCertificate loads the identity's certificate and private key from
// disk, suitable for tls.Config.Certificates.
func (id *Identity) TLSCertificate() (tls.Certificate, error) {
	return tls.LoadX509KeyPair(id.CertPath, id.KeyPath)
}

// Destroy removes a transient identity's files from disk. It is a no-op
// for persistent identities: those live until the user explicitly deletes
// them through the surrounding REPL.
func (id *Identity) Destroy() error {
	if !id.Transient {
		return nil
	}
	if err := os.Remove(id.CertPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("certificate: removing %s: %w", id.CertPath, err)
	}
	if err := os.Remove(id.KeyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("certificate: removing %s: %w", id.KeyPath, err)
	}
	return nil
}

// GenerateTransient creates a new transient identity: an Ed25519
// self-signed certificate valid for one day, stored under
// dir/transient_certs/<uuid>.{crt,key}.
func GenerateTransient(dir string) (*Identity, error) {
	name := uuid.NewString()
	certDir := filepath.Join(dir, "transient_certs")
	certPath := filepath.Join(certDir, name+".crt")
	keyPath := filepath.Join(certDir, name+".key")
	if err := generateSelfSigned(certDir, certPath, keyPath, transientDuration); err != nil {
		return nil, err
	}
	return &Identity{CertPath: certPath, KeyPath: keyPath, Transient: true}, nil
}

// GeneratePersistent creates a new persistent identity named name, stored
// under dir/client_certs/<name>.{crt,key}.
func GeneratePersistent(dir, name string) (*Identity, error) {
	certDir := filepath.Join(dir, "client_certs")
	certPath := filepath.Join(certDir, name+".crt")
	keyPath := filepath.Join(certDir, name+".key")
	if err := generateSelfSigned(certDir, certPath, keyPath, persistentDuration); err != nil {
		return nil, err
	}
	return &Identity{Name: name, CertPath: certPath, KeyPath: keyPath}, nil
}

// LoadPersistent loads a previously generated persistent identity.
func LoadPersistent(dir, name string) (*Identity, error) {
	certDir := filepath.Join(dir, "client_certs")
	certPath := filepath.Join(certDir, name+".crt")
	keyPath := filepath.Join(certDir, name+".key")
	if _, err := os.Stat(certPath); err != nil {
		return nil, fmt.Errorf("certificate: loading %s: %w", name, err)
	}
	return &Identity{Name: name, CertPath: certPath, KeyPath: keyPath}, nil
}

// LoadExternal wraps an externally generated certificate/key pair
// (e.g. produced by openssl) as an identity, for the cert-challenge
// "load external file" option.
func LoadExternal(certPath, keyPath string) (*Identity, error) {
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("certificate: loading external pair: %w", err)
	}
	return &Identity{CertPath: certPath, KeyPath: keyPath}, nil
}

// ListPersistent returns the names of every persistent identity stored
// under dir/client_certs.
func ListPersistent(dir string) ([]string, error) {
	certDir := filepath.Join(dir, "client_certs")
	entries, err := os.ReadDir(certDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("certificate: listing %s: %w", certDir, err)
	}
	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".crt" {
			names = append(names, e.Name()[:len(e.Name())-len(".crt")])
		}
	}
	return names, nil
}

func generateSelfSigned(certDir, certPath, keyPath string, duration time.Duration) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("certificate: creating %s: %w", certDir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("certificate: generating key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return fmt.Errorf("certificate: generating serial: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "wayfarer client identity"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(duration),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return fmt.Errorf("certificate: creating certificate: %w", err)
	}

	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("certificate: opening %s: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return fmt.Errorf("certificate: writing %s: %w", certPath, err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("certificate: marshaling key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("certificate: opening %s: %w", keyPath, err)
	}
	defer keyOut.Close()
	return pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}
