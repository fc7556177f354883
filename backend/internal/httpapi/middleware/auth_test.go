package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, typ string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		UserID:   42,
		Username: "alice",
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newRouter(cfg AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(cfg, zerolog.Nop()))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": c.GetUint64("userId"), "username": c.GetString("username")})
	})
	return r
}

func do(r http.Handler, target, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_LocalSecret(t *testing.T) {
	r := newRouter(AuthConfig{Secret: secret})

	w := do(r, "/me", "Bearer "+sign(t, "access", time.Minute))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":42,"username":"alice"}`, w.Body.String())

	// websocket 从 query 取 token
	w = do(r, "/me?token="+sign(t, "access", time.Minute), "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "Bearer "+sign(t, "refresh", time.Minute)).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "Bearer "+sign(t, "access", -time.Minute)).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "Bearer not-a-token").Code)
}

func TestAuth_RemoteVerify(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/auth/verify", req.URL.Path)
		if req.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"token revoked"}`))
			return
		}
		_, _ = w.Write([]byte(`{"userId":7,"username":"bob","type":"access"}`))
	}))
	defer upstream.Close()

	r := newRouter(AuthConfig{BaseURL: upstream.URL + "/"})
	w := do(r, "/me", "Bearer good")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":7,"username":"bob"}`, w.Body.String())

	w = do(r, "/me", "Bearer bad")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token revoked")
}

func TestAuth_UpstreamDown(t *testing.T) {
	r := newRouter(AuthConfig{BaseURL: "http://127.0.0.1:1"})
	w := do(r, "/me", "Bearer whatever")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_UPSTREAM_ERROR")
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", extractBearer("bearer abc"))
	assert.Equal(t, "", extractBearer("Basic abc"))
	assert.Equal(t, "", extractBearer(""))
}
