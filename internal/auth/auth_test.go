package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "0123456789abcdef0123"

func TestIssueVerify(t *testing.T) {
	v := NewVerifier(testSecret)
	tok, err := v.Issue("user_maker", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user_maker", sub)
}

func TestVerify_Rejects(t *testing.T) {
	v := NewVerifier(testSecret)

	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)

	other, _ := NewVerifier("another-secret-value").Issue("u", time.Hour)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := time.Now().Add(-2 * time.Hour)
	v.now = func() time.Time { return past }
	expired, _ := v.Issue("u", time.Hour)
	v.now = time.Now
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// alg=none must not be accepted
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u", "iss": issuer}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	_, err = v.Verify(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Issue("", time.Hour)
	assert.Error(t, err)
}

func newRouter(v *Verifier) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(v))
	r.GET("/me", RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret)
	r := newRouter(v)
	tok, _ := v.Issue("user_taker", time.Hour)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user_taker", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
