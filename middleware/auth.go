package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// Identity represents an authenticated identity.
type Identity struct {
	// ID is a unique identifier for the identity (e.g., user ID, API key ID).
	ID string
	// Name is a human-readable name for the identity.
	Name string
	// Metadata contains additional identity information.
	Metadata map[string]any
}

// identityContextKey is the context key for storing the identity.
type identityContextKey struct{}

// IdentityFromContext returns the authenticated identity from the context.
// Returns nil if no identity is present.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey{}).(*Identity); ok {
		return id
	}
	return nil
}

// ContextWithIdentity returns a new context with the identity attached.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// AuthOption configures the authentication middleware.
type AuthOption func(*authConfig)

type authConfig struct {
	logger       Logger
	skip         map[string]bool
	errorMessage string
}

// WithAuthLogger sets the logger for auth events.
func WithAuthLogger(l Logger) AuthOption {
	return func(c *authConfig) {
		c.logger = l
	}
}

// WithAuthSkipOperations specifies operations that don't require authentication.
func WithAuthSkipOperations(ops ...string) AuthOption {
	return func(c *authConfig) {
		for _, op := range ops {
			c.skip[op] = true
		}
	}
}

// WithAuthErrorMessage sets a custom error message for auth failures.
func WithAuthErrorMessage(msg string) AuthOption {
	return func(c *authConfig) {
		c.errorMessage = msg
	}
}

// Authenticator validates the credentials of a call and returns its
// identity, or nil when the call carries no acceptable credentials.
type Authenticator func(ctx context.Context, req any) (*Identity, error)

// Auth returns middleware that authenticates calls using the provided
// authenticator. Rejected calls fail with an Unauthorized protocol error,
// which the HTTP server reports as 401.
func Auth[Req, Resp any](authenticator Authenticator, opts ...AuthOption) Middleware[Req, Resp] {
	cfg := &authConfig{
		skip:         make(map[string]bool),
		errorMessage: "authentication required",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next service.Service[Req, Resp]) service.Service[Req, Resp] {
		return service.Func[Req, Resp](func(ctx context.Context, req Req) (*service.Response[Resp], error) {
			op := OperationName(req)
			if cfg.skip[op] {
				return next.Call(ctx, req)
			}

			identity, err := authenticator(ctx, req)
			if err != nil || identity == nil {
				if cfg.logger != nil {
					fields := []Field{F("operation", op)}
					if err != nil {
						fields = append(fields, F("error", err.Error()))
					}
					cfg.logger.Warn("authentication failed", fields...)
				}
				return nil, protocol.NewProtocolError(protocol.ErrorUnauthorized, errors.New(cfg.errorMessage))
			}

			if cfg.logger != nil {
				cfg.logger.Debug("authenticated",
					F("operation", op),
					F("identity", identity.ID),
				)
			}

			return next.Call(ContextWithIdentity(ctx, identity), req)
		})
	}
}

// APIKeyAuthenticator creates an authenticator that validates the API key a
// transport recorded in the request metadata.
func APIKeyAuthenticator(keyValidator func(key string) *Identity) Authenticator {
	return func(ctx context.Context, _ any) (*Identity, error) {
		key := protocol.MetaValue(ctx, protocol.MetaAPIKey)
		if key == "" {
			return nil, nil
		}
		return keyValidator(key), nil
	}
}

// BearerTokenAuthenticator creates an authenticator that validates bearer
// tokens from the recorded Authorization header.
func BearerTokenAuthenticator(tokenValidator func(token string) *Identity) Authenticator {
	return func(ctx context.Context, _ any) (*Identity, error) {
		auth := protocol.MetaValue(ctx, protocol.MetaAuthorization)
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			return nil, nil
		}
		token := strings.TrimPrefix(auth, prefix)
		if token == "" {
			return nil, nil
		}
		return tokenValidator(token), nil
	}
}

// StaticAPIKeys creates a simple key validator from a map of key -> identity.
func StaticAPIKeys(keys map[string]*Identity) func(string) *Identity {
	return func(key string) *Identity {
		return keys[key]
	}
}

// StaticTokens creates a simple token validator from a map of token -> identity.
func StaticTokens(tokens map[string]*Identity) func(string) *Identity {
	return func(token string) *Identity {
		return tokens[token]
	}
}

// ChainAuthenticators chains multiple authenticators, returning the first successful identity.
func ChainAuthenticators(authenticators ...Authenticator) Authenticator {
	return func(ctx context.Context, req any) (*Identity, error) {
		for _, auth := range authenticators {
			identity, err := auth(ctx, req)
			if err != nil {
				return nil, err
			}
			if identity != nil {
				return identity, nil
			}
		}
		return nil, nil
	}
}
