package security

import (
	"math"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/soulsync/soulsync-server/internal/model"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
)

const (
	CodeTrialExpired        = "TRIAL_EXPIRED"
	CodeSubscriptionExpired = "SUBSCRIPTION_EXPIRED"
)

// EntitlementMiddleware vetoes writes from accounts whose trial or
// subscription has lapsed. An entitlement rejection is a distinct error
// kind from a version conflict: it uses 403 and its own codes, and never
// reaches the store. Lapsed accounts are demoted to "expired" as a side
// effect so later checks short-circuit.
func EntitlementMiddleware(store registrystore.SyncStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := AccountFromContext(c)
		if account == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		now := time.Now()
		switch account.SubscriptionStatus {
		case model.SubscriptionExpired:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "subscription expired", "code": CodeSubscriptionExpired})
			return
		case model.SubscriptionTrial:
			if account.SubscriptionExpiry == nil || now.After(*account.SubscriptionExpiry) {
				expire(c, store, account)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "trial expired", "code": CodeTrialExpired})
				return
			}
		case model.SubscriptionActive:
			if account.SubscriptionExpiry != nil && now.After(*account.SubscriptionExpiry) {
				expire(c, store, account)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "subscription expired", "code": CodeSubscriptionExpired})
				return
			}
		}
		c.Next()
	}
}

func expire(c *gin.Context, store registrystore.SyncStore, account *model.Account) {
	if account.SubscriptionExpiry == nil {
		return
	}
	if err := store.UpdateSubscription(c.Request.Context(), account.ID, model.SubscriptionExpired, nil); err != nil {
		log.Warn("Failed to mark subscription expired", "account", account.ID, "err", err)
	}
}

// SubscriptionInfo is the entitlement summary exposed on the profile endpoint.
type SubscriptionInfo struct {
	Status        model.SubscriptionStatus `json:"status"`
	DaysRemaining int                      `json:"daysRemaining"`
	IsActive      bool                     `json:"isActive"`
	ExpireDate    *time.Time               `json:"expireDate,omitempty"`
}

// SubscriptionInfoFor summarizes an account's entitlement as of now.
func SubscriptionInfoFor(account *model.Account) SubscriptionInfo {
	info := SubscriptionInfo{Status: account.SubscriptionStatus, ExpireDate: account.SubscriptionExpiry}
	if account.SubscriptionExpiry == nil {
		return info
	}
	remaining := time.Until(*account.SubscriptionExpiry)
	switch account.SubscriptionStatus {
	case model.SubscriptionTrial, model.SubscriptionActive:
		if remaining >= 0 {
			info.IsActive = true
			info.DaysRemaining = int(math.Ceil(remaining.Hours() / 24))
		} else {
			info.Status = model.SubscriptionExpired
		}
	}
	return info
}
