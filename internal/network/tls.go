// internal/network/tls.go
package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// TLSFiles names the three PKI artifacts every node loads at startup: the
// cluster CA bundle and this node's own unique leaf certificate and key.
// A shared certificate across nodes voids the identity-binding guarantee,
// so there is no "shared dev cert" fallback here.
type TLSFiles struct {
	CACert   string
	NodeCert string
	NodeKey  string
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("network: read CA bundle %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("network: no certificates found in CA bundle %s", path)
	}
	return pool, nil
}

// ServerTLSConfig builds the listener-side TLS configuration: the node's
// own certificate, plus mandatory mutual authentication against the
// cluster CA bundle.
func ServerTLSConfig(files TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.NodeCert, files.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("network: load node cert/key: %w", err)
	}
	pool, err := loadCAPool(files.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   []string{"nodemesh-gossip"},
	}, nil
}

// ClientTLSConfig builds the dial-side TLS configuration. The client also
// presents its own certificate (the handshake is mutual in both
// directions) and requires the remote leaf to chain to the same CA
// bundle.
func ClientTLSConfig(files TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.NodeCert, files.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("network: load node cert/key: %w", err)
	}
	pool, err := loadCAPool(files.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		NextProtos:   []string{"nodemesh-gossip"},
	}, nil
}

// PeerCertFingerprint hashes the DER bytes of the remote leaf certificate
// presented during the TLS handshake. The hello payload's nonce is this
// value, binding the application-layer identity
// proof to the specific TLS session it rides on.
func PeerCertFingerprint(state tls.ConnectionState) ([32]byte, error) {
	if len(state.PeerCertificates) == 0 {
		return [32]byte{}, fmt.Errorf("network: no peer certificate presented")
	}
	return sha256.Sum256(state.PeerCertificates[0].Raw), nil
}

// LeafCertFingerprint hashes the DER bytes of this node's own leaf
// certificate, the half of the handshake's identity binding that
// PeerCertFingerprint can't see from inside a single connection. A
// received hello's Nonce must equal the recipient's own
// LeafCertFingerprint — that is what proves the signer actually terminated
// this TLS session rather than replaying a hello captured elsewhere.
func LeafCertFingerprint(cert tls.Certificate) ([32]byte, error) {
	if len(cert.Certificate) == 0 {
		return [32]byte{}, fmt.Errorf("network: certificate has no leaf DER bytes")
	}
	return sha256.Sum256(cert.Certificate[0]), nil
}

// GenerateDevCA mints a throwaway self-signed CA for tests and local
// development — provisioning a real cluster CA is explicitly an external
// collaborator's concern, not this package's.
func GenerateDevCA() (caCertDER []byte, caKey ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "nodemesh-dev-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, nil, err
	}
	return der, priv, nil
}

// IssueDevNodeCert issues a leaf certificate for nodeName signed by the
// given dev CA — a distinct keypair per call, satisfying the per-node
// uniqueness requirement even in test fixtures.
func IssueDevNodeCert(caCertDER []byte, caKey ed25519.PrivateKey, nodeName string) (certDER []byte, leafKey ed25519.PrivateKey, err error) {
	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: nodeName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, pub, caKey)
	if err != nil {
		return nil, nil, err
	}
	return der, priv, nil
}

func encodePEMCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodePEMKey(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// WriteDevTLSFiles materializes a dev CA and one leaf certificate under
// dir, returning the TLSFiles pointing at them. Convenience for tests and
// single-host demo clusters.
func WriteDevTLSFiles(dir, nodeName string, caCertDER []byte, caKey ed25519.PrivateKey) (TLSFiles, error) {
	leafDER, leafKey, err := IssueDevNodeCert(caCertDER, caKey, nodeName)
	if err != nil {
		return TLSFiles{}, err
	}
	files := TLSFiles{
		CACert:   dir + "/ca.pem",
		NodeCert: dir + "/" + nodeName + ".pem",
		NodeKey:  dir + "/" + nodeName + ".key",
	}
	if err := os.WriteFile(files.CACert, encodePEMCert(caCertDER), 0644); err != nil {
		return TLSFiles{}, err
	}
	if err := os.WriteFile(files.NodeCert, encodePEMCert(leafDER), 0644); err != nil {
		return TLSFiles{}, err
	}
	keyPEM, err := encodePEMKey(leafKey)
	if err != nil {
		return TLSFiles{}, err
	}
	if err := os.WriteFile(files.NodeKey, keyPEM, 0600); err != nil {
		return TLSFiles{}, err
	}
	return files, nil
}
