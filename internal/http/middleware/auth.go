package middleware

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
)

// AuthConfig selects the token verifiers accepted by Authenticate.
type AuthConfig struct {
	// JWTSecret verifies HS256 tokens issued by the hosted auth service.
	JWTSecret string
	Cognito   CognitoConfig
}

// SubjectClaims are the claims of an HS256 session token. The role lives in
// app_metadata so end users cannot set it themselves.
type SubjectClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email"`
	AppMetadata struct {
		Role string `json:"role"`
	} `json:"app_metadata"`
}

type verifier func(token string) (identity.Subject, error)

var errAuthNotConfigured = errors.New("auth not configured")

// Authenticate resolves the bearer token into an identity.Subject on the
// request context. RS256 tokens with a key id go to Cognito, everything else
// to the HS256 secret.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	hmacVerify := subjectJWTVerifier(cfg.JWTSecret)
	var cognitoVerify verifier
	if cfg.Cognito.Region != "" && cfg.Cognito.UserPoolID != "" {
		cognitoVerify = newCognitoVerifier(cfg.Cognito).verify
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				writeAuthError(w, "missing authorization header")
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")

			verify := hmacVerify
			if looksLikeCognito(token) {
				if cognitoVerify == nil {
					writeAuthError(w, "cognito auth not configured")
					return
				}
				verify = cognitoVerify
			}

			subject, err := verify(token)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithSubject(r.Context(), subject)))
		})
	}
}

func subjectJWTVerifier(secret string) verifier {
	return func(tokenString string) (identity.Subject, error) {
		if secret == "" {
			return identity.Subject{}, errAuthNotConfigured
		}
		claims := &SubjectClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			return identity.Subject{}, fmt.Errorf("verify subject token: %w", err)
		}
		subject := identity.Subject{
			ID:          claims.Subject,
			Email:       claims.Email,
			Role:        identity.ParseRole(claims.AppMetadata.Role),
			AccessToken: tokenString,
		}
		if !subject.Valid() {
			return identity.Subject{}, errors.New("token has no subject")
		}
		return subject, nil
	}
}

// looksLikeCognito peeks at the JOSE header without verifying anything.
func looksLikeCognito(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if json.Unmarshal(headerBytes, &header) != nil {
		return false
	}
	return header.Alg == "RS256" && header.Kid != ""
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
