package registry

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Credential is a username and secret presented to a registry. An empty
// credential means anonymous access.
type Credential struct {
	Username string
	Secret   string
}

func (c Credential) Empty() bool {
	return c.Username == "" && c.Secret == ""
}

// CredentialProvider returns credentials for a registry domain.
type CredentialProvider interface {
	Credentials(ctx context.Context, registry string) (Credential, error)
}

// CredentialFunc adapts a function to a CredentialProvider.
type CredentialFunc func(ctx context.Context, registry string) (Credential, error)

func (f CredentialFunc) Credentials(ctx context.Context, registry string) (Credential, error) {
	return f(ctx, registry)
}

// BasicAuth returns the same credential for every registry.
func BasicAuth(username, secret string) CredentialProvider {
	return CredentialFunc(func(ctx context.Context, registry string) (Credential, error) {
		return Credential{Username: username, Secret: secret}, nil
	})
}

// KeychainCredentials looks up credentials in a go-containerregistry keychain,
// usually the docker config file and credential helpers.
type KeychainCredentials struct {
	Keychain authn.Keychain
}

func NewKeychainCredentials() *KeychainCredentials {
	return &KeychainCredentials{Keychain: authn.DefaultKeychain}
}

func (k *KeychainCredentials) Credentials(ctx context.Context, registry string) (Credential, error) {
	reg, err := name.NewRegistry(registry)
	if err != nil {
		return Credential{}, fmt.Errorf("invalid registry %s: %w", registry, err)
	}
	authenticator, err := k.Keychain.Resolve(reg)
	if err != nil {
		return Credential{}, fmt.Errorf("could not resolve credentials for %s: %w", registry, err)
	}
	if authenticator == authn.Anonymous {
		return Credential{}, nil
	}
	cfg, err := authenticator.Authorization()
	if err != nil {
		return Credential{}, fmt.Errorf("could not get authorization for %s: %w", registry, err)
	}
	if cfg.IdentityToken != "" {
		return Credential{Username: cfg.Username, Secret: cfg.IdentityToken}, nil
	}
	return Credential{Username: cfg.Username, Secret: cfg.Password}, nil
}

// ChainCredentials returns the first non empty credential from providers. A
// provider that fails is logged and skipped.
func ChainCredentials(providers ...CredentialProvider) CredentialProvider {
	return CredentialFunc(func(ctx context.Context, registry string) (Credential, error) {
		log := logr.FromContextOrDiscard(ctx)
		for _, p := range providers {
			if p == nil {
				continue
			}
			cred, err := p.Credentials(ctx, registry)
			if err != nil {
				log.Error(err, "skipping credential provider", "registry", registry)
				continue
			}
			if !cred.Empty() {
				return cred, nil
			}
		}
		return Credential{}, nil
	})
}
