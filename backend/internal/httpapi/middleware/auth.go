package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

// Claims 与 auth-service 签发的 token 结构一致
type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	// auth-service 地址，不要带路径，例如 http://localhost:3001
	BaseURL string
	// HS256 密钥；配置了就在本地校验，不再请求 auth-service
	Secret string
}

func AuthMiddleware(cfg AuthConfig, logger zerolog.Logger) gin.HandlerFunc {
	verify := remoteVerifier(cfg.BaseURL)
	if cfg.Secret != "" {
		verify = localVerifier([]byte(cfg.Secret))
	}

	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, status, err := verify(c.Request.Context(), tokenString)
		if err != nil {
			code := "UNAUTHENTICATED"
			if status != http.StatusUnauthorized {
				code = "AUTH_UPSTREAM_ERROR"
				logger.Warn().Err(err).Msg("token verification failed")
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

type verifier func(ctx context.Context, token string) (*VerifyClaims, int, error)

func localVerifier(secret []byte) verifier {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(ctx context.Context, token string) (*VerifyClaims, int, error) {
		claims := &Claims{}
		if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}); err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, http.StatusUnauthorized, errors.New("token expired")
			}
			return nil, http.StatusUnauthorized, errors.New("invalid token")
		}
		return &VerifyClaims{UserID: claims.UserID, Username: claims.Username, Type: claims.Type}, http.StatusOK, nil
	}
}

// remoteVerifier 调用 auth-service 的 /v1/auth/verify
func remoteVerifier(authBaseURL string) verifier {
	client := &http.Client{}
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"

	return func(ctx context.Context, token string) (*VerifyClaims, int, error) {
		ctx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// 这里包含超时：context deadline exceeded
			return nil, http.StatusBadGateway, errors.New("auth-service verify failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var e verifyErrResp
			_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
			if e.Error == "" {
				e.Error = "invalid token"
			}
			return nil, http.StatusUnauthorized, errors.New(e.Error)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, http.StatusBadGateway, errors.New("auth-service verify non-200")
		}

		var claims VerifyClaims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			return nil, http.StatusBadGateway, errors.New("invalid verify response")
		}
		return &claims, http.StatusOK, nil
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
