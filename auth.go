package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const defaultTokenTTL = time.Hour

// Claims carried by access tokens.
type Claims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 access tokens with a shared secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) Issue(u *User) (string, error) {
	now := t.now()
	claims := &Claims{
		ID:       u.ID,
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks signature and expiry and returns the identity in the token.
func (t *TokenIssuer) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	role, err := parseRole(string(claims.Role))
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: claims.ID, Username: claims.Username, Role: role}, nil
}

// bearerToken extracts a syntactically well-formed JWT from an
// Authorization header value.
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" || strings.Count(token, ".") != 2 {
		return "", false
	}
	return token, true
}

// authenticate verifies the bearer token and attaches the caller's identity
// to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.log.WithContext(r.Context()).WithField("path", r.URL.Path).
				Warn("authentication header missing or malformed")
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		id, err := s.tokens.Verify(token)
		if err != nil {
			s.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).
				Warn("token verification failed")
			writeError(w, s.invalidTokenStatus, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// protect wraps h with authentication and the role allowlist.
func (s *Server) protect(roles []Role, h http.HandlerFunc) http.Handler {
	return s.authenticate(s.authorize(roles...)(h))
}

type registerInput struct {
	Username *string `json:"username" validate:"required,min=1,max=100"`
	Password *string `json:"password" validate:"required,min=6,max=72"`
	Role     *string `json:"role" validate:"omitempty,oneof=Admin User"`
}

type loginInput struct {
	Username *string `json:"username" validate:"required,min=1"`
	Password *string `json:"password" validate:"required,min=1"`
}

type deleteUserInput struct {
	Username *string `json:"username" validate:"required,min=1"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in registerInput
	if err := s.gate.bind(r, &in, false); err != nil {
		s.respondError(w, r, err)
		return
	}
	role := RoleUser
	if in.Role != nil {
		role = Role(*in.Role)
	}
	synopsis := logrus.Fields{"username": *in.Username, "role": role}

	_, err := s.stores.Users.FindByUsername(ctx, *in.Username)
	switch {
	case err == nil:
		writeError(w, http.StatusBadRequest, "User already exists")
		return
	case !errors.Is(err, ErrNotFound):
		s.audit.Error(ctx, "UserRegister", "registering", err, synopsis)
		s.respondError(w, r, err)
		return
	}

	u, err := createUser(ctx, s.stores.Users, *in.Username, *in.Password, role)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusBadRequest, "User already exists")
			return
		}
		s.audit.Error(ctx, "UserRegister", "registering", err, synopsis)
		s.respondError(w, r, err)
		return
	}
	s.audit.Created(ctx, "UserRegister", synopsis)
	writeJSON(w, http.StatusCreated, map[string]any{"message": "User registered", "user": u})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in loginInput
	if err := s.gate.bind(r, &in, false); err != nil {
		s.respondError(w, r, err)
		return
	}
	synopsis := logrus.Fields{"username": *in.Username}

	u, err := s.stores.Users.FindByUsername(ctx, *in.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.audit.NotFound(ctx, "UserLogin", "login", synopsis)
			writeError(w, http.StatusBadRequest, "Invalid credentials")
			return
		}
		s.audit.Error(ctx, "UserLogin", "logging in", err, synopsis)
		s.respondError(w, r, err)
		return
	}
	ctx = withIdentity(ctx, Identity{ID: u.ID, Username: u.Username, Role: u.Role})
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(*in.Password)); err != nil {
		s.audit.NotFound(ctx, "UserLogin", "login", synopsis)
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}
	token, err := s.tokens.Issue(u)
	if err != nil {
		s.audit.Error(ctx, "UserLogin", "logging in", err, synopsis)
		s.respondError(w, r, err)
		return
	}
	s.audit.Created(ctx, "UserLogin", synopsis)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in deleteUserInput
	if err := s.gate.bind(r, &in, false); err != nil {
		s.respondError(w, r, err)
		return
	}
	synopsis := logrus.Fields{"username": *in.Username}

	u, err := s.stores.Users.FindByUsername(ctx, *in.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.audit.NotFound(ctx, "UserDelete", "delete", synopsis)
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		s.audit.Error(ctx, "UserDelete", "deleting", err, synopsis)
		s.respondError(w, r, err)
		return
	}
	if err := s.stores.Users.Delete(ctx, u); err != nil {
		s.audit.Error(ctx, "UserDelete", "deleting", err, synopsis)
		s.respondError(w, r, err)
		return
	}
	s.audit.Deleted(ctx, "UserDelete", synopsis)
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("User %s deleted", u.Username)})
}

// createUser hashes password and stores a new account.
func createUser(ctx context.Context, users UserStore, username, password string, role Role) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &User{Username: username, PasswordHash: string(hash), Role: role}
	if err := users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ensureAdmin creates the bootstrap administrator unless the username is
// already taken. It reports whether an account was created.
func ensureAdmin(ctx context.Context, users UserStore, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}
	_, err := users.FindByUsername(ctx, username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if _, err := createUser(ctx, users, username, password, RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}
