// Package middleware содержит HTTP middleware для сервиса boostmart.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const userIDKey contextKey = "userID"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 30 * 24 * time.Hour
	bearerPrefix   = "Bearer "
)

// AuthMiddleware проверяет подписанный токен пользователя. Токены выпускает внешний
// сервис сессий с тем же секретом; здесь они только проверяются.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой секрет заменяется случайным,
// и тогда принимаются только токены, выпущенные этим процессом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			key = []byte("boostmart-dev-secret")
		}
	}
	return &AuthMiddleware{secretKey: key}
}

// Middleware берёт токен из cookie или заголовка Authorization и кладёт userID в контекст.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, ok := a.Verify(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(authCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return ""
}

// SetAuthCookie устанавливает cookie с токеном пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, userID int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    a.Issue(userID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Issue возвращает токен вида "<userID>.<hmac>".
func (a *AuthMiddleware) Issue(userID int64) string {
	id := strconv.FormatInt(userID, 10)
	return id + "." + a.sign(id)
}

// Verify проверяет подпись токена и возвращает userID.
func (a *AuthMiddleware) Verify(token string) (int64, bool) {
	id, signature, found := strings.Cut(token, ".")
	if !found || id == "" {
		return 0, false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(id))) {
		return 0, false
	}

	userID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}

func (a *AuthMiddleware) sign(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// WithUserID кладёт идентификатор пользователя в контекст.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
