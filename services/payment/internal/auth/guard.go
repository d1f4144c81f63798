package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	// CookieName 관리자 세션 쿠키 이름
	CookieName = "admin_session"
	// RoleAdmin 관리자 역할 클레임 값
	RoleAdmin = "admin"
	// LoginPath 인증 실패 시 이동할 경로
	LoginPath = "/admin/login"
)

// ErrInvalidCredentials 이메일 또는 비밀번호 불일치
var ErrInvalidCredentials = errors.New("invalid credentials")

// Session 요청에서 추출한 관리자 세션
type Session struct {
	Token string
}

// SessionFromRequest Authorization 헤더를 먼저 보고, 없으면 세션 쿠키를 사용
func SessionFromRequest(r *http.Request) Session {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return Session{Token: strings.TrimSpace(parts[1])}
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return Session{Token: c.Value}
	}
	return Session{}
}

// Claims 관리자 토큰 클레임
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Config 관리자 인증 설정
type Config struct {
	Secret            string
	AdminEmail        string
	AdminPasswordHash string
	TokenTTL          time.Duration
	SecureCookie      bool
}

// Guard 관리자 세션 검사기
type Guard struct {
	cfg Config
	now func() time.Time
}

// NewGuard Guard 생성
func NewGuard(cfg Config) *Guard {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	return &Guard{cfg: cfg, now: time.Now}
}

// Check 세션이 유효한 관리자 세션인지 확인
func (g *Guard) Check(s Session) bool {
	if s.Token == "" || g.cfg.Secret == "" {
		return false
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(s.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(g.cfg.Secret), nil
	})
	if err != nil || !token.Valid {
		return false
	}

	// exp가 없는 토큰은 만료되지 않는 토큰이므로 거부
	if !claims.VerifyExpiresAt(g.now(), true) {
		return false
	}
	return claims.Role == RoleAdmin
}

// IssueToken 관리자 토큰 발급
func (g *Guard) IssueToken(email string) (string, time.Time, error) {
	now := g.now()
	expiresAt := now.Add(g.cfg.TokenTTL)
	claims := Claims{
		Email: email,
		Role:  RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(g.cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, expiresAt, nil
}

// Authenticate 관리자 이메일과 비밀번호 확인 후 토큰 발급
func (g *Guard) Authenticate(email, password string) (string, time.Time, error) {
	if g.cfg.AdminEmail == "" || g.cfg.AdminPasswordHash == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if !strings.EqualFold(strings.TrimSpace(email), g.cfg.AdminEmail) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(g.cfg.AdminPasswordHash), []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return g.IssueToken(g.cfg.AdminEmail)
}

// SessionCookie 발급된 토큰을 담은 쿠키
func (g *Guard) SessionCookie(token string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   g.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie 세션 쿠키 삭제용 쿠키
func (g *Guard) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// Require 관리자 세션이 없으면 로그인 페이지로 리다이렉트
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Check(SessionFromRequest(r)) {
			http.Redirect(w, r, LoginPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAppToken 공개 API용 고정 토큰 검사
func RequireAppToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validAppToken(token, r.Header.Get("Authorization")) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error":   "unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validAppToken(expected, header string) bool {
	if expected == "" {
		return false
	}
	got := strings.TrimPrefix(header, "Bearer ")
	if got == header {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
