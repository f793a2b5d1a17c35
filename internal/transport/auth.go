package transport

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/labqms/internal/config"
	"github.com/pitabwire/labqms/model"
)

// KeySet holds the verification keys for the configured algorithms.
type KeySet struct {
	hmacSecret []byte
	rsaKey     *rsa.PublicKey
}

// NewKeySet returns a KeySet from raw key material. Either may be nil.
func NewKeySet(hmacSecret []byte, rsaKey *rsa.PublicKey) *KeySet {
	return &KeySet{hmacSecret: hmacSecret, rsaKey: rsaKey}
}

// LoadKeySet reads the HMAC secret from the environment variable named by
// cfg.HMACSecretEnv and the RSA public key from cfg.PublicKeyFile, as
// required by cfg.Algorithms.
func LoadKeySet(cfg config.IdentityConfig) (*KeySet, error) {
	ks := &KeySet{}
	for _, alg := range cfg.Algorithms {
		switch {
		case strings.HasPrefix(alg, "HS"):
			secret := os.Getenv(cfg.HMACSecretEnv)
			if secret == "" {
				return nil, fmt.Errorf("identity: %s requires %s to be set", alg, cfg.HMACSecretEnv)
			}
			ks.hmacSecret = []byte(secret)
		case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
			pem, err := os.ReadFile(cfg.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("identity: reading public key: %w", err)
			}
			key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
			if err != nil {
				return nil, fmt.Errorf("identity: parsing public key: %w", err)
			}
			ks.rsaKey = key
		default:
			return nil, fmt.Errorf("identity: unsupported algorithm %q", alg)
		}
	}
	return ks, nil
}

// keyFunc selects the verification key by the token's signing method.
func (ks *KeySet) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if ks.hmacSecret == nil {
			return nil, errors.New("no HMAC secret configured")
		}
		return ks.hmacSecret, nil
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		if ks.rsaKey == nil {
			return nil, errors.New("no RSA key configured")
		}
		return ks.rsaKey, nil
	}
	return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
}

// JWTAuthenticator returns middleware that verifies bearer tokens from the
// Authorization header and stores verified claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, keys *KeySet) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}
			tokenStr := auth[7:]

			token, err := jwt.Parse(tokenStr, keys.keyFunc, opts...)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Token unverifiable"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token missing required claim"
	default:
		return "Invalid token"
	}
}
