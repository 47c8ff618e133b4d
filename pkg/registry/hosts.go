package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/pelletier/go-toml/v2"

	"crate/pkg/errdefs"
)

// HostsConfig configures how registries are reached. It is read from a TOML
// file with one [[registry]] table per registry domain.
//
//	[[registry]]
//	name = "registry.example.com"
//	username = "user"
//	password = "secret"
//	ca_file = "/etc/crate/ca.pem"
type HostsConfig struct {
	Registries []HostConfig `toml:"registry"`
}

type HostConfig struct {
	// Name is the registry domain as it appears in references.
	Name string `toml:"name"`
	// Endpoint overrides the scheme and host used for API requests.
	Endpoint           string `toml:"endpoint"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	PlainHTTP          bool   `toml:"plain_http"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func LoadHosts(path string) (HostsConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return HostsConfig{}, err
	}
	return ParseHosts(b)
}

func ParseHosts(b []byte) (HostsConfig, error) {
	cfg := HostsConfig{}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return HostsConfig{}, fmt.Errorf("could not parse hosts config: %w: %w", errdefs.ErrInvalidArgument, err)
	}
	seen := map[string]struct{}{}
	for _, host := range cfg.Registries {
		if host.Name == "" {
			return HostsConfig{}, fmt.Errorf("registry entry without name: %w", errdefs.ErrInvalidArgument)
		}
		if _, ok := seen[host.Name]; ok {
			return HostsConfig{}, fmt.Errorf("registry %s configured more than once: %w", host.Name, errdefs.ErrInvalidArgument)
		}
		seen[host.Name] = struct{}{}
		if host.Endpoint != "" {
			if _, err := host.endpoint(); err != nil {
				return HostsConfig{}, err
			}
		}
		if (host.CertFile == "") != (host.KeyFile == "") {
			return HostsConfig{}, fmt.Errorf("registry %s requires both cert_file and key_file: %w", host.Name, errdefs.ErrInvalidArgument)
		}
	}
	return cfg, nil
}

func (h HostsConfig) Lookup(registry string) (HostConfig, bool) {
	for _, host := range h.Registries {
		if host.Name == registry {
			return host, true
		}
	}
	return HostConfig{}, false
}

// Credentials returns the credentials configured for the registry.
func (h HostsConfig) Credentials(ctx context.Context, registry string) (Credential, error) {
	host, ok := h.Lookup(registry)
	if !ok {
		return Credential{}, nil
	}
	return Credential{Username: host.Username, Secret: host.Password}, nil
}

func (h HostConfig) endpoint() (*url.URL, error) {
	u, err := url.Parse(h.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint for registry %s: %w: %w", h.Name, errdefs.ErrInvalidArgument, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint for registry %s must be http or https: %w", h.Name, errdefs.ErrInvalidArgument)
	}
	return u, nil
}

func (h HostConfig) hasTLS() bool {
	return h.CAFile != "" || h.CertFile != "" || h.InsecureSkipVerify
}

func (h HostConfig) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: h.InsecureSkipVerify, //nolint:gosec // Explicitly configured per registry.
	}
	if h.CAFile != "" {
		pem, err := os.ReadFile(h.CAFile)
		if err != nil {
			return nil, err
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", h.CAFile)
		}
		cfg.RootCAs = pool
	}
	if h.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(h.CertFile, h.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// baseURL returns the scheme and host serving the registry API.
func (h HostsConfig) baseURL(registry, apiHost string) (*url.URL, error) {
	host, ok := h.Lookup(registry)
	if ok && host.Endpoint != "" {
		return host.endpoint()
	}
	scheme := "https"
	if (ok && host.PlainHTTP) || isLoopback(apiHost) {
		scheme = "http"
	}
	return &url.URL{Scheme: scheme, Host: apiHost}, nil
}

// httpClients returns a client per registry requiring its own TLS settings.
func (h HostsConfig) httpClients(base *http.Client) (map[string]*http.Client, error) {
	clients := map[string]*http.Client{}
	for _, host := range h.Registries {
		if !host.hasTLS() {
			continue
		}
		tlsCfg, err := host.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("could not load TLS configuration for %s: %w", host.Name, err)
		}
		transport, ok := base.Transport.(*http.Transport)
		if !ok {
			return nil, errors.New("custom TLS requires transport of type http.Transport")
		}
		transport = transport.Clone()
		transport.TLSClientConfig = tlsCfg
		clients[host.Name] = &http.Client{
			Transport:     transport,
			CheckRedirect: base.CheckRedirect,
			Timeout:       base.Timeout,
		}
	}
	return clients, nil
}

func isLoopback(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
