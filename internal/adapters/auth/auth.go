// Package auth resolves the caller identity before a connection reaches the engine.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/meetsync/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	IdentityKey     = "identity"
	observerIDKey   = "observer_id"
	observerOrgKey  = "observer_org"
	observerTeamKey = "observer_team"
	issuer          = "meetsync"
)

var (
	ErrNoCredentials = errors.New("no credentials")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims are the fields issued by the application's login service.
type Claims struct {
	OrganizationID string `json:"org_id"`
	TeamID         string `json:"team_id"`
	Name           string `json:"name"`
	// Invite marks an observer invitation; it never authenticates a participant.
	Invite bool `json:"invite,omitempty"`
	jwt.RegisteredClaims
}

type Resolver struct {
	secret         []byte
	allowObservers bool
}

func NewResolver(secret string, allowObservers bool) *Resolver {
	return &Resolver{secret: []byte(secret), allowObservers: allowObservers}
}

// IssueToken signs a token for ident. Used by tooling and tests.
func (r *Resolver) IssueToken(ident domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		OrganizationID: ident.OrganizationID,
		TeamID:         ident.TeamID,
		Name:           ident.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(ident.ParticipantID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// IssueInvite signs an observer invitation scoped to one organization and team.
func (r *Resolver) IssueInvite(orgID, teamID string, ttl time.Duration) (string, error) {
	if orgID == "" {
		return "", domain.ErrOrganizationEmpty
	}
	now := time.Now()
	claims := &Claims{
		OrganizationID: orgID,
		TeamID:         teamID,
		Invite:         true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func (r *Resolver) parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (r *Resolver) ParseToken(raw string) (domain.Identity, error) {
	claims, err := r.parse(raw)
	if err != nil {
		return domain.Identity{}, err
	}
	if claims.Invite {
		return domain.Identity{}, fmt.Errorf("%w: invitation used as access token", ErrInvalidToken)
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	ident, err := domain.NewIdentity(claims.OrganizationID, claims.TeamID, domain.ParticipantID(claims.Subject), name)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return *ident, nil
}

// Resolve reads a bearer token from the Authorization header or the
// access_token query parameter. Without one, and when observers are allowed,
// the caller becomes an observer. Its organization and team come from a signed
// invite (?invite=) and are kept in the cookie session with its transient id.
func (r *Resolver) Resolve(c *gin.Context) (domain.Identity, error) {
	if raw := bearer(c); raw != "" {
		return r.ParseToken(raw)
	}
	if !r.allowObservers {
		return domain.Identity{}, ErrNoCredentials
	}

	sess := sessions.Default(c)
	id, _ := sess.Get(observerIDKey).(string)
	org, _ := sess.Get(observerOrgKey).(string)
	team, _ := sess.Get(observerTeamKey).(string)
	dirty := false
	if raw := c.Query("invite"); raw != "" {
		claims, err := r.parse(raw)
		if err != nil {
			return domain.Identity{}, err
		}
		if !claims.Invite {
			return domain.Identity{}, fmt.Errorf("%w: not an invitation", ErrInvalidToken)
		}
		if claims.OrganizationID != org || claims.TeamID != team {
			org, team, dirty = claims.OrganizationID, claims.TeamID, true
		}
	}
	if org == "" {
		return domain.Identity{}, ErrNoCredentials
	}

	ident, err := domain.NewObserver(org, team, domain.ParticipantID(id), c.Query("name"))
	if err != nil {
		return domain.Identity{}, err
	}
	if id == "" || dirty {
		sess.Set(observerIDKey, string(ident.ParticipantID))
		sess.Set(observerOrgKey, org)
		sess.Set(observerTeamKey, team)
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.auth").Msg("save observer session")
		}
	}
	return *ident, nil
}

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("access_token")
}

// Middleware resolves the identity once and stores it on the gin context.
func Middleware(r *Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := r.Resolve(c)
		if err != nil {
			log.Info().Err(err).Str("module", "adapters.auth").Str("path", c.Request.URL.Path).Msg("unauthorized")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(IdentityKey, ident)
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return domain.Identity{}, false
	}
	ident, ok := v.(domain.Identity)
	return ident, ok
}
