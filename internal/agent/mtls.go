package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
)

// MTLSConfig holds mutual TLS configuration for the agent listener.
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// LoadMTLSConfig loads mTLS configuration from environment variables.
func LoadMTLSConfig() MTLSConfig {
	return MTLSConfig{
		ServerCert:   os.Getenv("GANTRY_AGENT_TLS_CERT"),
		ServerKey:    os.Getenv("GANTRY_AGENT_TLS_KEY"),
		ClientCACert: os.Getenv("GANTRY_AGENT_CLIENT_CA"),
		RequireAuth:  os.Getenv("GANTRY_AGENT_REQUIRE_MTLS") == "true",
	}
}

func (s *Server) configureTLS(config MTLSConfig) (*tls.Config, error) {
	if config.ServerCert == "" || config.ServerKey == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if config.RequireAuth && config.ClientCACert != "" {
		caCert, err := os.ReadFile(config.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse client CA certificate")
		}
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", config.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tlsConfig, nil
}

func mtlsMiddleware(requireAuth bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requireAuth && r.TLS != nil && len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServeTLS starts the agent with TLS and optional client cert
// verification.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := s.configureTLS(config)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	s.routes(mux)
	s.srv = &http.Server{
		Addr:      addr,
		Handler:   mtlsMiddleware(config.RequireAuth, mux),
		TLSConfig: tlsConfig,
	}
	log.Info().Str("addr", addr).Bool("mtls_required", config.RequireAuth).Msg("starting agent with TLS")
	return s.srv.ListenAndServeTLS("", "")
}
