package main

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCAFile(t *testing.T, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "root_ca.crt")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, certPEM, 0o600); err != nil {
		t.Fatalf("failed to write CA file: %v", err)
	}
	return path
}

func TestNewHTTPClientTrustsProvidedCA(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	caPath := writeCAFile(t, srv.Certificate().Raw)

	client, err := newHTTPClient(3*time.Second, caPath)
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("expected request success with custom CA, got: %v", err)
	}
	_ = resp.Body.Close()
}

func TestNewHTTPClientRejectsInvalidCAFile(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "invalid_ca.crt")
	if err := os.WriteFile(caPath, []byte("invalid"), 0o600); err != nil {
		t.Fatalf("failed to write CA file: %v", err)
	}

	if _, err := newHTTPClient(3*time.Second, caPath); err == nil {
		t.Fatal("expected error for invalid CA file")
	}
}

func TestNewHTTPClientWithoutCAAcceptsSelfSigned(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := newHTTPClient(3*time.Second, "")
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("expected request success without CA, got: %v", err)
	}
	_ = resp.Body.Close()
}
