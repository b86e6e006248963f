package middleware

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
)

const jwksTTL = time.Hour

// CognitoConfig holds AWS Cognito configuration for JWT validation.
type CognitoConfig struct {
	Region     string
	UserPoolID string
	ClientID   string // App client ID for audience validation

	// JWKSURL overrides the pool's well-known key set location.
	JWKSURL string
}

// CognitoClaims represents the claims in a Cognito JWT.
type CognitoClaims struct {
	jwt.RegisteredClaims
	Email         string   `json:"email"`
	CognitoGroups []string `json:"cognito:groups"`
	TokenUse      string   `json:"token_use"`
	ClientID      string   `json:"client_id"`
}

type cognitoVerifier struct {
	cfg     CognitoConfig
	issuer  string
	jwksURL string
	client  *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

func newCognitoVerifier(cfg CognitoConfig) *cognitoVerifier {
	issuer := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", cfg.Region, cfg.UserPoolID)
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}
	return &cognitoVerifier{
		cfg:     cfg,
		issuer:  issuer,
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *cognitoVerifier) verify(tokenString string) (identity.Subject, error) {
	claims := &CognitoClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return v.publicKey(kid)
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return identity.Subject{}, fmt.Errorf("verify cognito token: %w", err)
	}

	if v.cfg.ClientID != "" {
		switch claims.TokenUse {
		case "id":
			aud, _ := claims.GetAudience()
			if !slices.Contains([]string(aud), v.cfg.ClientID) {
				return identity.Subject{}, errors.New("invalid audience")
			}
		case "access":
			if claims.ClientID != v.cfg.ClientID {
				return identity.Subject{}, errors.New("invalid client_id")
			}
		}
	}

	subject := identity.Subject{
		ID:          claims.Subject,
		Email:       claims.Email,
		Role:        roleFromGroups(claims.CognitoGroups),
		AccessToken: tokenString,
	}
	if !subject.Valid() {
		return identity.Subject{}, errors.New("token has no subject")
	}
	return subject, nil
}

// roleFromGroups picks the first group that names an application role.
func roleFromGroups(groups []string) identity.Role {
	for _, g := range groups {
		if role := identity.ParseRole(g); role != identity.RolePatient {
			return role
		}
	}
	return identity.RolePatient
}

func (v *cognitoVerifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	if time.Now().Before(v.expires) {
		if key, ok := v.keys[kid]; ok {
			v.mu.RUnlock()
			return key, nil
		}
	}
	v.mu.RUnlock()

	keys, err := fetchJWKS(v.client, v.jwksURL)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.keys = keys
	v.expires = time.Now().Add(jwksTTL)
	v.mu.Unlock()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}
	return key, nil
}

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func fetchJWKS(client *http.Client, url string) (map[string]*rsa.PublicKey, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request failed with status %d", resp.StatusCode)
	}

	var jwks jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pubKey, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		keys[key.Kid] = pubKey
	}
	if len(keys) == 0 {
		return nil, errors.New("no valid RSA keys found in JWKS")
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key components from base64url-encoded strings.
func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
