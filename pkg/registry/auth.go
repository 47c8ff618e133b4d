package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/containerd/containerd/v2/core/remotes/docker/auth"
	remoteerrors "github.com/containerd/containerd/v2/core/remotes/errors"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"crate/pkg/errdefs"
	"crate/pkg/oci"
)

// pullCredentials looks up the credential for a single pull or resolve once,
// on the first registry request.
type pullCredentials struct {
	log      logr.Logger
	provider CredentialProvider
	registry string
	once     sync.Once
	cred     Credential
	err      error
}

func (c *Client) newPullCredentials(ref oci.Reference, provider CredentialProvider) *pullCredentials {
	return &pullCredentials{log: c.log, provider: provider, registry: ref.Registry}
}

func (p *pullCredentials) get(ctx context.Context) (Credential, error) {
	p.once.Do(func() {
		if p.provider == nil {
			return
		}
		cred, err := p.provider.Credentials(logr.NewContext(ctx, p.log), p.registry)
		if err != nil {
			p.err = fmt.Errorf("could not get credentials for %s: %w: %w", p.registry, errdefs.ErrAuth, err)
			return
		}
		p.cred = cred
	})
	return p.cred, p.err
}

// scopeKey identifies cached authorizations. Tokens are only reused by pulls
// presenting the same credential.
func scopeKey(ref oci.Reference, cred Credential) string {
	identity := "anonymous"
	if !cred.Empty() {
		identity = digest.FromString(cred.Username + ":" + cred.Secret).Encoded()
	}
	return ref.APIHost() + "/" + ref.Repository + "@" + identity
}

func (c *Client) authorization(ref oci.Reference, cred Credential) string {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.authorizations[scopeKey(ref, cred)]
}

func (c *Client) setAuthorization(ref oci.Reference, cred Credential, authorization string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.authorizations[scopeKey(ref, cred)] = authorization
}

// authorize answers the challenge in a 401 response and returns the value for
// the Authorization header of the retried request.
func (c *Client) authorize(ctx context.Context, ref oci.Reference, header http.Header, cred Credential) (string, error) {
	challenges := auth.ParseAuthHeader(header)
	for _, challenge := range challenges {
		switch challenge.Scheme {
		case auth.BearerAuth:
			return c.fetchToken(ctx, ref, cred, challenge)
		case auth.BasicAuth:
			if cred.Empty() {
				return "", fmt.Errorf("registry %s requires basic authentication but no credentials are configured: %w", ref.Registry, errdefs.ErrAuth)
			}
			return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred.Username+":"+cred.Secret)), nil
		}
	}
	return "", fmt.Errorf("registry %s returned unauthorized without a supported challenge: %w", ref.Registry, errdefs.ErrAuth)
}

func (c *Client) fetchToken(ctx context.Context, ref oci.Reference, cred Credential, challenge auth.Challenge) (string, error) {
	to, err := auth.GenerateTokenOptions(ctx, ref.APIHost(), cred.Username, cred.Secret, challenge)
	if err != nil {
		return "", fmt.Errorf("invalid bearer challenge from %s: %w: %w", ref.Registry, errdefs.ErrAuth, err)
	}
	scope := fmt.Sprintf("repository:%s:pull", ref.Repository)
	if !slices.Contains(to.Scopes, scope) {
		to.Scopes = append(to.Scopes, scope)
	}

	c.log.V(4).Info("fetching bearer token", "realm", to.Realm, "service", to.Service, "scopes", to.Scopes)
	resp, err := auth.FetchToken(ctx, c.httpClient(ref), nil, to)
	if err != nil {
		return "", classifyTokenError(ctx, ref, err)
	}
	token := resp.Token
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token endpoint for %s returned no token: %w", ref.Registry, errdefs.ErrAuth)
	}
	return "Bearer " + token, nil
}

func classifyTokenError(ctx context.Context, ref oci.Reference, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("could not fetch token for %s: %w", ref.Registry, err)
	}
	var statusErr remoteerrors.ErrUnexpectedStatus
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("could not fetch token for %s: %w: %w", ref.Registry, errdefs.ErrNetwork, err)
		}
		return fmt.Errorf("token request for %s rejected: %w: %w", ref.Registry, errdefs.ErrAuth, err)
	}
	if errors.Is(err, auth.ErrNoToken) {
		return fmt.Errorf("could not fetch token for %s: %w: %w", ref.Registry, errdefs.ErrAuth, err)
	}
	return fmt.Errorf("could not fetch token for %s: %w: %w", ref.Registry, errdefs.ErrNetwork, err)
}
