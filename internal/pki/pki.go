// Copyright 2025 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pki provisions the certificate bundle used by one harness run: a
// self-signed root CA, a server certificate bound to localhost, and a client
// certificate, each emitted as PEM (plus DER for the certificates the guest
// embeds).
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrMissingCredentials indicates reuse was requested but the bundle on
	// disk is incomplete.
	ErrMissingCredentials = errors.New("missing credentials: incomplete certificate bundle")

	errRemoveBundleDir   = errors.New("failed to remove certificate directory")
	errCreateBundleDir   = errors.New("failed to create certificate directory")
	errGenerateCAKey     = errors.New("failed to generate CA key")
	errSelfSignCACert    = errors.New("failed to self-sign CA certificate")
	errExportCACertDER   = errors.New("failed to export CA certificate to DER")
	errGenerateServerKey = errors.New("failed to generate server key")
	errSignServerCert    = errors.New("failed to sign server certificate")
	errGenerateClientKey = errors.New("failed to generate client key")
	errSignClientCert    = errors.New("failed to sign client certificate")
	errWriteBundleFile   = errors.New("failed to write bundle file")
	errVerifyBundle      = errors.New("certificate bundle verification failed")
)

const (
	caValidity     = 3650 * 24 * time.Hour
	leafValidity   = 365 * 24 * time.Hour
	rsaKeyBits     = 2048
	serverDNSName  = "localhost"
	serverIPSAN    = "127.0.0.1"
	keyLogFilename = "tls_keylog.log"
)

// Bundle identifies the credential artifacts of one provisioned PKI. A bundle
// is either fully present or not usable; it is never mutated after creation.
type Bundle struct {
	Dir string

	CAKey         string
	CACert        string
	CACertDER     string
	ServerKey     string
	ServerCert    string
	ClientKey     string
	ClientCert    string
	ClientCertDER string

	// KeyLogPath is where the client-exercising peer writes its TLS key
	// exchange log (useful to decrypt captures of the TCP leg).
	KeyLogPath string
}

// NewBundle returns the bundle layout rooted at dir without touching the
// filesystem.
func NewBundle(dir string) *Bundle {
	return &Bundle{
		Dir:           dir,
		CAKey:         filepath.Join(dir, "ca.key"),
		CACert:        filepath.Join(dir, "ca.crt"),
		CACertDER:     filepath.Join(dir, "ca.der"),
		ServerKey:     filepath.Join(dir, "server.key"),
		ServerCert:    filepath.Join(dir, "server.crt"),
		ClientKey:     filepath.Join(dir, "client.key"),
		ClientCert:    filepath.Join(dir, "client.crt"),
		ClientCertDER: filepath.Join(dir, "client.der"),
		KeyLogPath:    filepath.Join(dir, keyLogFilename),
	}
}

// Provision generates or reuses the bundle under dir.
//
// With force, any existing bundle directory is deleted and a fresh bundle is
// generated. Without force, the pre-existing bundle is reused as-is; if any of
// {ca.crt, server.crt, server.key} is missing the call fails with
// ErrMissingCredentials and performs no filesystem mutation.
func Provision(dir string, force bool) (*Bundle, error) {
	bundle := NewBundle(dir)

	if !force {
		if !bundle.Complete() {
			return nil, fmt.Errorf("%w: expected %s, %s and %s under %s",
				ErrMissingCredentials, "ca.crt", "server.crt", "server.key", dir)
		}
		return bundle, nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", errRemoveBundleDir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", errCreateBundleDir, err)
	}

	if err := generate(bundle); err != nil {
		return nil, err
	}

	return bundle, nil
}

// Complete reports whether the minimum credential set for a reused bundle is
// present on disk.
func (b *Bundle) Complete() bool {
	for _, path := range []string{b.CACert, b.ServerCert, b.ServerKey} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// generate runs the fixed provisioning recipe. Each step's failure aborts the
// whole provisioning; a partially written directory is not a usable bundle.
func generate(b *Bundle) error {
	// 1. CA key and self-signed CA certificate.
	caKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("%w: %v", errGenerateCAKey, err)
	}

	now := time.Now()
	caTemplate := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"TLS Test Harness"},
			CommonName:   "TLS Test Harness Root CA",
		},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caKey.Public(), caKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errSelfSignCACert, err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return fmt.Errorf("%w: %v", errSelfSignCACert, err)
	}

	if err := writePEM(b.CAKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caKey), 0o600); err != nil {
		return err
	}
	if err := writePEM(b.CACert, "CERTIFICATE", caDER, 0o644); err != nil {
		return err
	}

	// 2. Binary encoding of the CA certificate, embedded by the guest build.
	if err := writeFile(b.CACertDER, caDER, 0o644); err != nil {
		return fmt.Errorf("%w: %v", errExportCACertDER, err)
	}

	// 3. Server key and certificate, SAN-bound to localhost/127.0.0.1.
	serverKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("%w: %v", errGenerateServerKey, err)
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"TLS Test Harness"},
			CommonName:   serverDNSName,
		},
		NotBefore:   now.Add(-1 * time.Hour),
		NotAfter:    now.Add(leafValidity),
		DNSNames:    []string{serverDNSName},
		IPAddresses: []net.IP{net.ParseIP(serverIPSAN)},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}

	serverDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, serverKey.Public(), caKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errSignServerCert, err)
	}

	if err := writePEM(b.ServerKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(serverKey), 0o600); err != nil {
		return err
	}
	if err := writePEM(b.ServerCert, "CERTIFICATE", serverDER, 0o644); err != nil {
		return err
	}

	// 4. Client key (P-256, unencrypted PKCS#8) and certificate.
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: %v", errGenerateClientKey, err)
	}
	clientKeyPKCS8, err := x509.MarshalPKCS8PrivateKey(clientKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errGenerateClientKey, err)
	}

	clientTemplate := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"TLS Test Harness"},
			CommonName:   "tls-test-client",
		},
		NotBefore:   now.Add(-1 * time.Hour),
		NotAfter:    now.Add(leafValidity),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	clientDER, err := x509.CreateCertificate(rand.Reader, clientTemplate, caCert, clientKey.Public(), caKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errSignClientCert, err)
	}

	if err := writePEM(b.ClientKey, "PRIVATE KEY", clientKeyPKCS8, 0o600); err != nil {
		return err
	}
	if err := writePEM(b.ClientCert, "CERTIFICATE", clientDER, 0o644); err != nil {
		return err
	}
	if err := writeFile(b.ClientCertDER, clientDER, 0o644); err != nil {
		return fmt.Errorf("%w: %v", errSignClientCert, err)
	}

	return nil
}

// Verify round-trips the chain of trust: both leaf certificates must verify
// against ca.crt as issuer.
func (b *Bundle) Verify() error {
	caCert, err := readCert(b.CACert)
	if err != nil {
		return fmt.Errorf("%w: %v", errVerifyBundle, err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	serverCert, err := readCert(b.ServerCert)
	if err != nil {
		return fmt.Errorf("%w: %v", errVerifyBundle, err)
	}
	if _, err := serverCert.Verify(x509.VerifyOptions{
		DNSName: serverDNSName,
		Roots:   pool,
	}); err != nil {
		return fmt.Errorf("%w: server certificate: %v", errVerifyBundle, err)
	}

	clientCert, err := readCert(b.ClientCert)
	if err != nil {
		return fmt.Errorf("%w: %v", errVerifyBundle, err)
	}
	if _, err := clientCert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return fmt.Errorf("%w: client certificate: %v", errVerifyBundle, err)
	}

	return nil
}

func newSerial() *big.Int {
	// 128-bit random serial; collisions are irrelevant for a throwaway PKI
	// but openssl-compatible consumers reject duplicate serials.
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return writeFile(path, data, mode)
}

func writeFile(path string, data []byte, mode os.FileMode) error {
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("%w: %s: %v", errWriteBundleFile, path, err)
	}
	return nil
}

func readCert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block in %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}
