package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"taskmaster/internal/domain"
)

const (
	actorHeader = "X-Actor-Id"
	roleHeader  = "X-Taskmaster-Role"
)

type AuthConfig struct {
	JWTSecret string
	// AllowRoleHeader trusts X-Actor-Id and X-Taskmaster-Role when no bearer
	// token is sent. Local development only.
	AllowRoleHeader bool
	Logger          *slog.Logger
}

// Principal is the authenticated caller. Role is AGENT or MANAGER for human
// reviewers and empty for plain workers.
type Principal struct {
	ActorID string
	Role    domain.Role
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// reviewerRole resolves the role a human verdict is recorded under. An
// explicit role must match the caller's own.
func reviewerRole(ctx context.Context, requested string) (domain.Role, huma.StatusError) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if p.Role == "" {
		return "", newAPIError(http.StatusForbidden, "forbidden", "reviewer role required", map[string]any{"actor_id": p.ActorID})
	}
	if requested == "" {
		return p.Role, nil
	}
	role, err := domain.ParseRole(requested)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if role != p.Role && p.Role != domain.RoleManager {
		return "", newAPIError(http.StatusForbidden, "forbidden", "cannot act as "+string(role), map[string]any{"role": p.Role})
	}
	return role, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	p := Principal{ActorID: claims.Subject, Source: "jwt"}
	if claims.Role != "" {
		role, err := domain.ParseRole(claims.Role)
		if err != nil {
			return Principal{}, err
		}
		p.Role = role
	}
	return p, nil
}

// signDevToken mints a short-lived HS256 token for local testing.
func signDevToken(secret, actorID string, role domain.Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "taskmaster-dev",
		},
		Role: string(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] || req.Method == http.MethodOptions {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			headerActor := strings.TrimSpace(req.Header.Get(actorHeader))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if headerActor != "" && cfg.AllowRoleHeader {
				p := Principal{ActorID: headerActor, Source: "header"}
				if raw := strings.TrimSpace(req.Header.Get(roleHeader)); raw != "" {
					role, err := domain.ParseRole(raw)
					if err != nil {
						respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
						return
					}
					p.Role = role
				}
				cfg.logger().Debug("header authentication", "actor_id", p.ActorID, "role", p.Role)
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
