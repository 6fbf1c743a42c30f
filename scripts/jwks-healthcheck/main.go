// jwks-healthcheck probes an OIDC discovery endpoint and exits non-zero
// when the document is missing or malformed. Meant as a compose
// healthcheck for the local jwks-server.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func main() {
	url := flag.String("url", "https://localhost:9000/.well-known/openid-configuration", "OIDC discovery URL to probe")
	timeout := flag.Duration("timeout", 3*time.Second, "HTTP request timeout")
	expectedIssuer := flag.String("expected-issuer", "", "Optional expected issuer value")
	caFile := flag.String("ca", "", "Optional CA certificate to trust; self-signed certs are accepted when unset")
	flag.Parse()

	client, err := newHTTPClient(*timeout, *caFile)
	if err != nil {
		exitErr(err)
	}

	doc, err := fetchDiscovery(client, *url)
	if err != nil {
		exitErr(err)
	}

	if strings.TrimSpace(doc.Issuer) == "" {
		exitErr(fmt.Errorf("discovery document missing issuer"))
	}
	if strings.TrimSpace(doc.JWKSURI) == "" {
		exitErr(fmt.Errorf("discovery document missing jwks_uri"))
	}
	if *expectedIssuer != "" && doc.Issuer != *expectedIssuer {
		exitErr(fmt.Errorf("issuer mismatch: got %q want %q", doc.Issuer, *expectedIssuer))
	}
}

// newHTTPClient trusts the given CA when provided; without one it
// accepts any certificate, since the local jwks-server is self-signed.
func newHTTPClient(timeout time.Duration, caFile string) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	if caFile != "" {
		pemBytes, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("failed to parse CA file %s", caFile)
		}
		tlsConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

func fetchDiscovery(client *http.Client, url string) (discoveryDocument, error) {
	resp, err := client.Get(url)
	if err != nil {
		return discoveryDocument{}, fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return discoveryDocument{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return discoveryDocument{}, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return doc, nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
