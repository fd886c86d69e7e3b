package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/meetsync/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var alice = domain.Identity{OrganizationID: "org1", TeamID: "team1", ParticipantID: "u-alice", DisplayName: "Alice"}

func TestTokenRoundTrip(t *testing.T) {
	r := NewResolver("s3cret", false)
	raw, err := r.IssueToken(alice, time.Hour)
	require.NoError(t, err)

	got, err := r.ParseToken(raw)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}

func TestParseTokenRejects(t *testing.T) {
	r := NewResolver("s3cret", false)

	expired, err := r.IssueToken(alice, -time.Minute)
	require.NoError(t, err)
	_, err = r.ParseToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	forged, err := NewResolver("other", false).IssueToken(alice, time.Hour)
	require.NoError(t, err)
	_, err = r.ParseToken(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{OrganizationID: "org1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = r.ParseToken(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noOrg, err := r.IssueToken(domain.Identity{ParticipantID: "u1", DisplayName: "x"}, time.Hour)
	require.NoError(t, err)
	_, err = r.ParseToken(noOrg)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenNameFallsBackToSubject(t *testing.T) {
	r := NewResolver("s3cret", false)
	raw, err := r.IssueToken(domain.Identity{OrganizationID: "org1", ParticipantID: "u7"}, time.Hour)
	require.NoError(t, err)
	got, err := r.ParseToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "u7", got.DisplayName)
}

func newEngine(r *Resolver) *gin.Engine {
	e := gin.New()
	e.Use(sessions.Sessions("test", cookie.NewStore([]byte("cookie-secret"))))
	e.GET("/me", Middleware(r), func(c *gin.Context) {
		ident, ok := IdentityFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, ident)
	})
	return e
}

func TestMiddleware(t *testing.T) {
	r := NewResolver("s3cret", false)
	e := newEngine(r)
	raw, err := r.IssueToken(alice, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"participantId":"u-alice"`)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?access_token="+raw, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestObserverNeedsInvite(t *testing.T) {
	e := newEngine(NewResolver("s3cret", true))

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?org=victim-org&team=team1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "organization is never taken from the query")

	forged, err := NewResolver("other", true).IssueInvite("victim-org", "team1", time.Hour)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?invite="+forged, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	access, err := NewResolver("s3cret", true).IssueToken(alice, time.Hour)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?invite="+access, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "access tokens are not invitations")
}

func TestInviteIsNotAnAccessToken(t *testing.T) {
	r := NewResolver("s3cret", true)
	invite, err := r.IssueInvite("org1", "team1", time.Hour)
	require.NoError(t, err)

	_, err = r.ParseToken(invite)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = r.IssueInvite("", "team1", time.Hour)
	assert.ErrorIs(t, err, domain.ErrOrganizationEmpty)
}

func TestObserverKeepsScopeAcrossRequests(t *testing.T) {
	r := NewResolver("s3cret", true)
	e := newEngine(r)
	invite, err := r.IssueInvite("org1", "team1", time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?invite="+invite, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"observer":true`)
	assert.Contains(t, w.Body.String(), `"organizationId":"org1"`)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	first := w.Body.String()

	// the signed cookie carries the scope; a query org cannot override it
	req := httptest.NewRequest(http.MethodGet, "/me?org=victim-org", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first, w.Body.String())
}

func TestObserversDisabled(t *testing.T) {
	r := NewResolver("s3cret", false)
	invite, err := NewResolver("s3cret", true).IssueInvite("org1", "team1", time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	newEngine(r).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?invite="+invite, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
