package security_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soulsync/soulsync-server/internal/model"
	"github.com/soulsync/soulsync-server/internal/plugin/store/sqlstore"
	"github.com/soulsync/soulsync-server/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entitledRouter(store *sqlstore.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenVerifier(store))
	router.POST("/write", auth, security.EntitlementMiddleware(store), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doWrite(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestEntitlement_ActiveTrialPasses(t *testing.T) {
	store := newStore(t)
	account, session := newAccountWithSession(t, store)
	router := entitledRouter(store)

	rec := doWrite(router, account.ID+":"+session)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEntitlement_ExpiredTrialRejectedAndDemoted(t *testing.T) {
	store := newStore(t)
	account, session := newAccountWithSession(t, store)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateSubscription(context.Background(), account.ID, model.SubscriptionTrial, &past))
	router := entitledRouter(store)

	rec := doWrite(router, account.ID+":"+session)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), security.CodeTrialExpired)

	// The lapsed trial is demoted so later checks short-circuit.
	reloaded, err := store.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionExpired, reloaded.SubscriptionStatus)
}

func TestEntitlement_LapsedSubscriptionRejected(t *testing.T) {
	store := newStore(t)
	account, session := newAccountWithSession(t, store)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateSubscription(context.Background(), account.ID, model.SubscriptionActive, &past))
	router := entitledRouter(store)

	rec := doWrite(router, account.ID+":"+session)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), security.CodeSubscriptionExpired)
}

func TestEntitlement_ActiveWithoutExpiryPasses(t *testing.T) {
	store := newStore(t)
	account, session := newAccountWithSession(t, store)
	require.NoError(t, store.UpdateSubscription(context.Background(), account.ID, model.SubscriptionActive, nil))
	router := entitledRouter(store)

	rec := doWrite(router, account.ID+":"+session)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscriptionInfoFor(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	past := time.Now().Add(-time.Hour)

	info := security.SubscriptionInfoFor(&model.Account{
		SubscriptionStatus: model.SubscriptionTrial,
		SubscriptionExpiry: &future,
	})
	assert.True(t, info.IsActive)
	assert.Equal(t, 2, info.DaysRemaining)

	info = security.SubscriptionInfoFor(&model.Account{
		SubscriptionStatus: model.SubscriptionActive,
		SubscriptionExpiry: &past,
	})
	assert.False(t, info.IsActive)
	assert.Equal(t, model.SubscriptionExpired, info.Status)

	info = security.SubscriptionInfoFor(&model.Account{
		SubscriptionStatus: model.SubscriptionTrial,
	})
	assert.False(t, info.IsActive)
	assert.Equal(t, 0, info.DaysRemaining)
}
