package meter

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/nerrad567/itron-bridge/internal/infrastructure/config"
)

// Default credential locations when nothing is configured.
const (
	fallbackCertPath = "certs/.cert.pem"
	fallbackKeyPath  = "certs/.key.pem"
)

// Meters negotiate only ECDHE suites on TLS 1.2.
var meterCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// NewHTTPClient builds the HTTPS client shared by every endpoint of a
// meter (and, at the process level, by every meter).
//
// The meter's certificate carries a CN that never matches its address,
// so hostname verification is disabled while chain verification is
// kept: the peer chain is still validated against the configured CA
// bundle (or the system pool).
//
// Request timeouts are per call site (identification vs. endpoint
// polls), so the client itself carries none.
func NewHTTPClient(cfg config.MeterTLSConfig) (*http.Client, error) {
	certPath, keyPath, err := lookForCreds(cfg)
	if err != nil {
		return nil, err
	}

	clientCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	roots, err := loadRoots(cfg.CAFile)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		CipherSuites: meterCipherSuites,

		// Chain verification without hostname verification. crypto/tls
		// has no check_hostname=false equivalent, so the handshake
		// verification is disabled and re-done against the root pool.
		InsecureSkipVerify:    true, // #nosec G402 -- chain still verified below
		VerifyPeerCertificate: verifyChainOnly(roots),
	}

	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}

// lookForCreds resolves the client certificate pair, preferring the
// configured paths and falling back to the hidden files in certs/.
func lookForCreds(cfg config.MeterTLSConfig) (certPath, keyPath string, err error) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return cfg.CertFile, cfg.KeyFile, nil
	}

	if fileExists(fallbackCertPath) && fileExists(fallbackKeyPath) {
		return fallbackCertPath, fallbackKeyPath, nil
	}

	return "", "", fmt.Errorf("could not find client cert and key credentials")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// loadRoots returns the verification pool: the configured CA bundle if
// set, otherwise the system pool.
func loadRoots(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system cert pool: %w", err)
		}
		return pool, nil
	}

	pem, err := os.ReadFile(caFile) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", caFile)
	}
	return pool, nil
}

// verifyChainOnly validates the peer chain against roots, skipping the
// hostname check a standard handshake would perform.
func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("peer presented no certificates")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parsing peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}

		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		if err != nil {
			return fmt.Errorf("verifying peer chain: %w", err)
		}
		return nil
	}
}
