package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/soulsync/soulsync-server/internal/model"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
)

const (
	// ContextKeyAccountID is the gin context key for the authenticated account ID.
	ContextKeyAccountID = "accountID"
	// ContextKeyAccount is the gin context key for the authenticated account.
	ContextKeyAccount = "account"
)

// ErrInvalidToken is returned when a bearer token is malformed or does not
// match a live session.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier resolves bearer tokens to accounts. The token format is
// "<accountID>:<sessionToken>", the same credential on HTTP requests and
// channel auth frames. The sync core trusts the verified account and
// performs no credential checks of its own.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*model.Account, error)
}

type storeTokenVerifier struct {
	store registrystore.SyncStore
}

// NewTokenVerifier creates a TokenVerifier backed by the account store.
func NewTokenVerifier(store registrystore.SyncStore) TokenVerifier {
	return &storeTokenVerifier{store: store}
}

func (v *storeTokenVerifier) Verify(ctx context.Context, token string) (*model.Account, error) {
	accountID, session, ok := strings.Cut(token, ":")
	if !ok || accountID == "" || session == "" {
		return nil, ErrInvalidToken
	}
	account, err := v.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.SessionToken == nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(*account.SessionToken), []byte(session)) != 1 {
		return nil, ErrInvalidToken
	}
	return account, nil
}

// AuthMiddleware authenticates requests with a "Bearer <accountID>:<sessionToken>"
// Authorization header and stores the account on the gin context.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}
		account, err := verifier.Verify(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
			return
		}
		c.Set(ContextKeyAccountID, account.ID)
		c.Set(ContextKeyAccount, account)
		c.Next()
	}
}

// AccountFromContext returns the authenticated account set by AuthMiddleware.
func AccountFromContext(c *gin.Context) *model.Account {
	account, _ := c.Get(ContextKeyAccount)
	a, _ := account.(*model.Account)
	return a
}
