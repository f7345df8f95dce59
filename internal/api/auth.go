package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"caresync/internal/config"
	"caresync/internal/ratelimit"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	permReadSync        = "read:sync"
	permWriteSync       = "write:sync"
	clientKeyUnknown    = "unknown"
	healthMethodPrefix  = "/grpc.health.v1.Health/"
)

var (
	errMissingKey       = errors.New("missing api key")
	errInvalidKey       = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// Authenticator checks API keys and per-client rate limits for both the
// HTTP and the gRPC surface.
type Authenticator struct {
	cfg     config.APIConfig
	clients map[string]config.APIClientKey
	limiter *ratelimit.Keyed
}

func NewAuthenticator(cfg config.APIConfig) *Authenticator {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &Authenticator{cfg: cfg, clients: m, limiter: ratelimit.NewKeyed(cfg.RateLimit)}
}

func (a *Authenticator) header() string {
	h := strings.ToLower(strings.TrimSpace(a.cfg.Auth.HeaderAPIKey))
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

// check validates apiKey against the configured clients.
func (a *Authenticator) check(apiKey, required string) error {
	if !a.cfg.Auth.Enabled {
		return nil
	}
	if apiKey == "" {
		return errMissingKey
	}

	var client config.APIClientKey
	found := false
	for key, c := range a.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			client, found = c, true
			break
		}
	}
	if !found {
		return errInvalidKey
	}

	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermissionHTTP(r *http.Request) string {
	if r.URL.Path == "/health" {
		return ""
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return permReadSync
	}
	return permWriteSync
}

// Middleware enforces auth and rate limits on HTTP requests. /health is
// always reachable.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := strings.TrimSpace(r.Header.Get(a.header()))
		if err := a.check(apiKey, requiredPermissionHTTP(r)); err != nil {
			code := http.StatusUnauthorized
			if errors.Is(err, errPermissionDenied) {
				code = http.StatusForbidden
			}
			writeError(w, code, err.Error())
			return
		}

		key := apiKey
		if key == "" {
			key = clientKeyUnknown
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
				key = host
			}
		}
		if !a.limiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Unary enforces auth on gRPC calls. Health checks stay open so load
// balancers can check it without credentials.
func (a *Authenticator) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.checkGRPC(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *Authenticator) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := a.checkGRPC(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (a *Authenticator) checkGRPC(ctx context.Context, fullMethod string) error {
	if strings.HasPrefix(fullMethod, healthMethodPrefix) {
		return nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	apiKey := first(md.Get(a.header()))
	if err := a.check(apiKey, permReadSync); err != nil {
		if errors.Is(err, errPermissionDenied) {
			return status.Error(codes.PermissionDenied, err.Error())
		}
		return status.Error(codes.Unauthenticated, err.Error())
	}

	key := apiKey
	if key == "" {
		key = peerAddr(ctx)
	}
	if !a.limiter.Allow(key) {
		return status.Error(codes.ResourceExhausted, errRateLimited.Error())
	}
	return nil
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
