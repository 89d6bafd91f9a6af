//go:build unit

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

package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/pki"
)

// TestProvisionForce verifies that force-provisioning an empty directory
// yields the full bundle: 3 PEM keys, 3 PEM certs, 2 DER certs, with the
// expected validity periods and extensions.
func TestProvisionForce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certificates")

	bundle, err := pki.Provision(dir, true)
	require.NoError(t, err, "force provisioning should succeed")
	require.NotNil(t, bundle)

	for _, path := range []string{
		bundle.CAKey, bundle.CACert, bundle.CACertDER,
		bundle.ServerKey, bundle.ServerCert,
		bundle.ClientKey, bundle.ClientCert, bundle.ClientCertDER,
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, "bundle file %s should exist", path)
	}

	// CA certificate: self-signed, ~3650 days.
	caCert := readCert(t, bundle.CACert)
	assert.True(t, caCert.IsCA, "CA certificate should be a CA")
	assert.InDelta(t, 3650*24.0, caCert.NotAfter.Sub(caCert.NotBefore).Hours(), 2,
		"CA validity should be about 3650 days")

	// Server certificate: ~365 days, serverAuth, SAN-bound.
	serverCert := readCert(t, bundle.ServerCert)
	assert.InDelta(t, 365*24.0, serverCert.NotAfter.Sub(serverCert.NotBefore).Hours(), 2,
		"server validity should be about 365 days")
	assert.Contains(t, serverCert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.Contains(t, serverCert.DNSNames, "localhost")
	require.Len(t, serverCert.IPAddresses, 1)
	assert.True(t, serverCert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))

	// Client certificate: clientAuth, P-256 key in unencrypted PKCS#8.
	clientCert := readCert(t, bundle.ClientCert)
	assert.Contains(t, clientCert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	keyData, err := os.ReadFile(bundle.ClientKey)
	require.NoError(t, err)
	block, _ := pem.Decode(keyData)
	require.NotNil(t, block, "client key should be PEM encoded")
	assert.Equal(t, "PRIVATE KEY", block.Type, "client key should be PKCS#8")
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)
	ecKey, ok := key.(*ecdsa.PrivateKey)
	require.True(t, ok, "client key should be ECDSA")
	assert.Equal(t, elliptic.P256(), ecKey.Curve)

	// DER exports parse and match their PEM counterparts.
	caDER, err := os.ReadFile(bundle.CACertDER)
	require.NoError(t, err)
	assert.Equal(t, caCert.Raw, caDER, "ca.der should match ca.crt")
	clientDER, err := os.ReadFile(bundle.ClientCertDER)
	require.NoError(t, err)
	assert.Equal(t, clientCert.Raw, clientDER, "client.der should match client.crt")

	// Chain-of-trust round trip.
	require.NoError(t, bundle.Verify(), "leaf certificates should verify against the CA")
}

// TestProvisionReuseMissingCredential verifies that reuse with any of
// {ca.crt, server.crt, server.key} missing fails with ErrMissingCredentials
// and mutates nothing.
func TestProvisionReuseMissingCredential(t *testing.T) {
	for _, missing := range []string{"ca.crt", "server.crt", "server.key"} {
		t.Run(missing, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "certificates")
			_, err := pki.Provision(dir, true)
			require.NoError(t, err)

			require.NoError(t, os.Remove(filepath.Join(dir, missing)))
			before := listDir(t, dir)

			_, err = pki.Provision(dir, false)
			require.ErrorIs(t, err, pki.ErrMissingCredentials)

			assert.Equal(t, before, listDir(t, dir), "reuse failure should not mutate the directory")
		})
	}
}

// TestProvisionReuseKeepsBundle verifies that reusing a complete bundle
// returns it unchanged.
func TestProvisionReuseKeepsBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certificates")
	_, err := pki.Provision(dir, true)
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)

	bundle, err := pki.Provision(dir, false)
	require.NoError(t, err)
	require.NotNil(t, bundle)

	after, err := os.ReadFile(bundle.CACert)
	require.NoError(t, err)
	assert.Equal(t, before, after, "reuse should not regenerate the CA")
}

// TestProvisionForceReplacesBundle verifies that force provisioning deletes
// the previous bundle directory wholesale.
func TestProvisionForceReplacesBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certificates")
	_, err := pki.Provision(dir, true)
	require.NoError(t, err)

	stray := filepath.Join(dir, "stale.csr")
	require.NoError(t, os.WriteFile(stray, []byte("stale"), 0o644))
	before, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)

	bundle, err := pki.Provision(dir, true)
	require.NoError(t, err)

	_, err = os.Stat(stray)
	assert.True(t, os.IsNotExist(err), "force should remove the previous directory")

	after, err := os.ReadFile(bundle.CACert)
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "force should generate a fresh CA")
}

// TestBundleNotAfterInFuture is a sanity check that freshly generated
// certificates are currently valid.
func TestBundleNotAfterInFuture(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certificates")
	bundle, err := pki.Provision(dir, true)
	require.NoError(t, err)

	for _, path := range []string{bundle.CACert, bundle.ServerCert, bundle.ClientCert} {
		cert := readCert(t, path)
		assert.True(t, cert.NotBefore.Before(time.Now()), "%s NotBefore should be in the past", path)
		assert.True(t, cert.NotAfter.After(time.Now()), "%s NotAfter should be in the future", path)
	}
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block, "%s should be PEM encoded", path)
	require.Equal(t, "CERTIFICATE", block.Type)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
