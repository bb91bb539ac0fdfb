package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/recapd/recapd/pkg/config"
	"github.com/recapd/recapd/pkg/models"
)

const principalKey = "principal"

// errorEnvelope is the stable JSON error shape of every non-2xx response.
type errorEnvelope struct {
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorEnvelope{ErrorCode: code, Message: message})
}

// authMiddleware authenticates via X-API-Key against the key table, or a
// bearer token verified with the HS256 secret. The resolved principal lands
// in the request context.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			principal, ok := s.keys.Lookup(key)
			if !ok {
				abortError(c, http.StatusUnauthorized, "invalid_api_key", "unknown API key")
				return
			}
			c.Set(principalKey, principal)
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			principal, err := s.verifyJWT(token)
			if err != nil {
				abortError(c, http.StatusUnauthorized, "invalid_token", err.Error())
				return
			}
			c.Set(principalKey, principal)
			c.Next()
			return
		}

		abortError(c, http.StatusUnauthorized, "unauthenticated", "provide X-API-Key or a bearer token")
	}
}

// jwtClaims carries the principal identity inside a bearer token.
type jwtClaims struct {
	jwt.RegisteredClaims
	Guilds []string `json:"guilds,omitempty"`
}

func (s *Server) verifyJWT(token string) (config.Principal, error) {
	if s.jwtSecret == "" {
		return config.Principal{}, errors.New("bearer tokens are not enabled")
	}
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return config.Principal{}, fmt.Errorf("token verification failed: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return config.Principal{}, errors.New("token carries no subject")
	}
	return config.Principal{Name: claims.Subject, Guilds: claims.Guilds}, nil
}

// rateLimitMiddleware enforces the per-principal request budget.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := currentPrincipal(c)
		if err := s.limiter.Allow(principal.Name); err != nil {
			var rl *models.RateLimitedError
			retry := 1
			if errors.As(err, &rl) {
				retry = int(rl.RetryAfter.Seconds()) + 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorEnvelope{
				ErrorCode:  "rate_limited",
				Message:    "request budget exhausted",
				RetryAfter: retry,
			})
			return
		}
		c.Next()
	}
}

func currentPrincipal(c *gin.Context) config.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(config.Principal); ok {
			return p
		}
	}
	return config.Principal{}
}

// requireGuild rejects principals not granted the guild.
func requireGuild(c *gin.Context, guildID string) bool {
	if guildID == "" {
		abortError(c, http.StatusBadRequest, "validation_failed", "guildId is required")
		return false
	}
	if !currentPrincipal(c).AllowsGuild(guildID) {
		abortError(c, http.StatusForbidden, "guild_forbidden", "principal is not granted access to this guild")
		return false
	}
	return true
}
