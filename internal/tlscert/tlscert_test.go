package tlscert

import (
	"crypto/tls"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewManagerRejectsUnknownMode(t *testing.T) {
	_, err := NewManager(Config{Mode: "acme"}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported TLS certificate mode")
}

func TestFileManagerRequiresPaths(t *testing.T) {
	_, err := NewManager(Config{Mode: CertModeFile}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert_file is required")

	_, err = NewManager(Config{Mode: CertModeFile, CertFile: "cert.pem"}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_key_file is required")
}

func TestSelfSignedGeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Mode: CertModeSelfSigned, SelfSignedCertDir: dir}

	mgr, err := NewManager(cfg, testLogger())
	require.NoError(t, err)

	tlsCfg, err := mgr.GetTLSConfig()
	require.NoError(t, err)
	assert.EqualValues(t, tls.VersionTLS13, tlsCfg.MinVersion)
	require.Len(t, tlsCfg.Certificates, 1)

	certPath := filepath.Join(dir, "server.crt")
	first, err := os.ReadFile(certPath)
	require.NoError(t, err)

	// A second manager over the same directory reuses the pair.
	_, err = NewManager(cfg, testLogger())
	require.NoError(t, err)
	second, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSelfSignedRegeneratesOnHostChange(t *testing.T) {
	dir := t.TempDir()
	base := Config{Mode: CertModeSelfSigned, SelfSignedCertDir: dir}

	_, err := NewManager(base, testLogger())
	require.NoError(t, err)
	certPath := filepath.Join(dir, "server.crt")
	first, err := os.ReadFile(certPath)
	require.NoError(t, err)

	changed := base
	changed.SelfSignedHosts = []string{"engine.internal"}
	_, err = NewManager(changed, testLogger())
	require.NoError(t, err)
	second, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestFileManagerReloadsPerHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, generateSelfSigned(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"), []string{"localhost"}))

	mgr, err := NewManager(Config{
		Mode:     CertModeFile,
		CertFile: filepath.Join(dir, "server.crt"),
		KeyFile:  filepath.Join(dir, "server.key"),
	}, testLogger())
	require.NoError(t, err)

	tlsCfg, err := mgr.GetTLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tlsCfg.GetCertificate)

	cert, err := tlsCfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestFileManagerRejectsWorldReadableKey(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, generateSelfSigned(certPath, keyPath, []string{"localhost"}))
	require.NoError(t, os.Chmod(keyPath, 0o644))

	_, err := NewManager(Config{Mode: CertModeFile, CertFile: certPath, KeyFile: keyPath}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}
