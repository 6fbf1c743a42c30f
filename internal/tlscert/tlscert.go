// Package tlscert provides TLS certificates for the HTTPS listener,
// either from operator-supplied PEM files or from a self-signed pair
// generated for local development.
package tlscert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
)

// CertMode selects where server certificates come from.
type CertMode string

const (
	CertModeFile       CertMode = "file"
	CertModeSelfSigned CertMode = "selfsigned"
)

// MinTLSVersion is the floor for all listeners.
const MinTLSVersion = tls.VersionTLS13

// Config describes the certificate source.
type Config struct {
	Mode CertMode

	// CertModeFile
	CertFile string
	KeyFile  string

	// CertModeSelfSigned
	SelfSignedCertDir string
	SelfSignedHosts   []string
}

// Manager hands out a tls.Config for the HTTP server.
type Manager interface {
	GetTLSConfig() (*tls.Config, error)
	Description() string
	Shutdown() error
}

// NewManager builds the manager for the configured mode.
func NewManager(cfg Config, logger *slog.Logger) (Manager, error) {
	switch cfg.Mode {
	case CertModeFile:
		return newFileManager(cfg, logger)
	case CertModeSelfSigned:
		return newSelfSignedManager(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported TLS certificate mode %q (valid: file, selfsigned)", cfg.Mode)
	}
}

type fileManager struct {
	cfg    Config
	logger *slog.Logger
}

func newFileManager(cfg Config, logger *slog.Logger) (Manager, error) {
	if cfg.CertFile == "" {
		return nil, fmt.Errorf("tls_cert_file is required when tls_mode=file")
	}
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("tls_key_file is required when tls_mode=file")
	}
	if err := checkCertFile(cfg.CertFile); err != nil {
		return nil, fmt.Errorf("invalid certificate file: %w", err)
	}
	if err := checkCertFile(cfg.KeyFile); err != nil {
		return nil, fmt.Errorf("invalid key file: %w", err)
	}
	if err := checkKeyPermissions(cfg.KeyFile); err != nil {
		return nil, err
	}
	// Load once up front so a bad pair fails at startup, not on the
	// first handshake.
	if _, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile); err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	return &fileManager{cfg: cfg, logger: logger}, nil
}

func (m *fileManager) GetTLSConfig() (*tls.Config, error) {
	return &tls.Config{
		MinVersion: MinTLSVersion,
		// Re-read the pair per handshake so rotated certs are picked
		// up without a restart.
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
			if err != nil {
				m.logger.Error("failed to reload certificate",
					slog.String("cert_file", m.cfg.CertFile),
					slog.String("error", err.Error()))
				return nil, err
			}
			return &cert, nil
		},
	}, nil
}

func (m *fileManager) Description() string {
	return fmt.Sprintf("file-based (cert=%s, key=%s)", m.cfg.CertFile, m.cfg.KeyFile)
}

func (m *fileManager) Shutdown() error { return nil }

func checkCertFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}

func checkKeyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %o (want 0600 or 0400)", path, mode)
	}
	return nil
}
