package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTempCACert writes a self-signed CA certificate to a temp file and
// returns its path.
func makeTempCACert(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test CA"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
	require.NoError(t, f.Close())
	return path
}

func TestNewTLSConfig_NonexistentFile(t *testing.T) {
	_, err := newTLSConfig("/nonexistent/ca.pem", nil)
	require.Error(t, err)
}

func TestNewTLSConfig_InvalidPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("this is not a valid PEM certificate"), 0o600))

	_, err := newTLSConfig(path, nil)
	require.Error(t, err)
}

func TestNewTLSConfig_ValidCertAndALPN(t *testing.T) {
	cfg, err := newTLSConfig(makeTempCACert(t), []string{"x-amzn-mqtt-ca"})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, []string{"x-amzn-mqtt-ca"}, cfg.NextProtos)
}

func TestNewTLSConfig_SystemRootsWhenNoCA(t *testing.T) {
	cfg, err := newTLSConfig("", nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
}

func TestPahoDialer_ClientOptions(t *testing.T) {
	d := PahoDialer{Broker: "ssl://broker.example:443", KeepAlive: time.Minute, ALPN: []string{"x-amzn-mqtt-ca"}}
	co, err := d.clientOptions(DialOptions{ClientID: "DASHy1-abcd1234", Username: "u", Password: "p"})
	require.NoError(t, err)


	assert.Equal(t, "DASHy1-abcd1234", co.ClientID)
	assert.Equal(t, "u", co.Username)
	assert.Equal(t, "p", co.Password)
	assert.False(t, co.AutoReconnect)
	assert.False(t, co.ConnectRetry)
	assert.True(t, co.CleanSession)
	require.NotNil(t, co.TLSConfig)
	assert.Equal(t, []string{"x-amzn-mqtt-ca"}, co.TLSConfig.NextProtos)
}

func TestPahoDialer_TLSCertError(t *testing.T) {
	d := PahoDialer{Broker: "tcp://127.0.0.1:1883", TLSCACert: "/nonexistent/ca.pem"}
	_, err := d.Dial(context.Background(), DialOptions{ClientID: "test"})
	require.Error(t, err)
}

func TestIsTLSBroker(t *testing.T) {
	assert.True(t, isTLSBroker("ssl://x:8883"))
	assert.True(t, isTLSBroker("wss://x/mqtt"))
	assert.False(t, isTLSBroker("tcp://x:1883"))
}
