// Package accounts serves registration, login, and device-based
// authentication. Every successful response carries a bearer token of the
// form "<accountID>:<sessionToken>"; issuing a new session invalidates
// the previous one.
package accounts

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/soulsync/soulsync-server/internal/config"
	"github.com/soulsync/soulsync-server/internal/model"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"golang.org/x/crypto/bcrypt"
)

// MountRoutes mounts the auth endpoints on the given router.
func MountRoutes(r *gin.Engine, store registrystore.SyncStore, cfg *config.Config) {
	g := r.Group("/api/auth")
	g.POST("/register", func(c *gin.Context) { register(c, store, cfg) })
	g.POST("/login", func(c *gin.Context) { login(c, store) })
	g.POST("/device", func(c *gin.Context) { deviceAuth(c, store, cfg) })
}

type credentialsRequest struct {
	DeviceID string `json:"device_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func accountResponse(account *model.Account, token string) gin.H {
	return gin.H{
		"user_id":             account.ID,
		"device_id":           account.DeviceID,
		"email":               account.Email,
		"subscription_status": account.SubscriptionStatus,
		"token":               token,
	}
}

func register(c *gin.Context, store registrystore.SyncStore, cfg *config.Config) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id, email, and password are required"})
		return
	}
	ctx := c.Request.Context()

	if existing, err := store.GetAccountByDeviceID(ctx, req.DeviceID); err != nil {
		serverError(c, "Failed to look up device", err)
		return
	} else if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Device already registered"})
		return
	}
	if existing, err := store.GetAccountByEmail(ctx, req.Email); err != nil {
		serverError(c, "Failed to look up email", err)
		return
	} else if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
		return
	}

	account, err := createAccount(c, store, cfg, req)
	if err != nil {
		return
	}
	token, err := issueSession(c, store, account)
	if err != nil {
		return
	}
	c.JSON(http.StatusCreated, accountResponse(account, token))
}

func login(c *gin.Context, store registrystore.SyncStore) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	account, err := store.GetAccountByEmail(c.Request.Context(), req.Email)
	if err != nil {
		serverError(c, "Failed to look up email", err)
		return
	}
	if account == nil || bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := issueSession(c, store, account)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, accountResponse(account, token))
}

// deviceAuth signs in by device ID. An unknown device with credentials
// registers a new account; a known device may bind an email on the fly.
func deviceAuth(c *gin.Context, store registrystore.SyncStore, cfg *config.Config) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}
	ctx := c.Request.Context()

	account, err := store.GetAccountByDeviceID(ctx, req.DeviceID)
	if err != nil {
		serverError(c, "Failed to look up device", err)
		return
	}

	if account == nil {
		if req.Email == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "New device requires email and password"})
			return
		}
		if existing, err := store.GetAccountByEmail(ctx, req.Email); err != nil {
			serverError(c, "Failed to look up email", err)
			return
		} else if existing != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already registered, please login with existing account"})
			return
		}
		account, err = createAccount(c, store, cfg, req)
		if err != nil {
			return
		}
		token, err := issueSession(c, store, account)
		if err != nil {
			return
		}
		c.JSON(http.StatusCreated, accountResponse(account, token))
		return
	}

	if req.Email != "" && req.Password != "" {
		if account.Email != nil && *account.Email != req.Email {
			c.JSON(http.StatusConflict, gin.H{"error": "Device already bound to different email"})
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			serverError(c, "Failed to hash password", err)
			return
		}
		if err := store.BindEmail(ctx, account.ID, req.Email, hash); err != nil {
			var dup *registrystore.DuplicateError
			if errors.As(err, &dup) {
				c.JSON(http.StatusConflict, gin.H{"error": "Email already registered, please login with existing account"})
				return
			}
			serverError(c, "Failed to bind email", err)
			return
		}
		account, err = store.GetAccount(ctx, account.ID)
		if err != nil || account == nil {
			serverError(c, "Failed to reload account", err)
			return
		}
	}

	if bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := issueSession(c, store, account)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, accountResponse(account, token))
}

func createAccount(c *gin.Context, store registrystore.SyncStore, cfg *config.Config, req credentialsRequest) (*model.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		serverError(c, "Failed to hash password", err)
		return nil, err
	}
	account, err := store.CreateAccount(c.Request.Context(), req.DeviceID, req.Email, hash, time.Now().Add(cfg.TrialDuration))
	if err != nil {
		var dup *registrystore.DuplicateError
		if errors.As(err, &dup) {
			c.JSON(http.StatusConflict, gin.H{"error": "Device already registered"})
			return nil, err
		}
		serverError(c, "Failed to create account", err)
		return nil, err
	}
	return account, nil
}

func issueSession(c *gin.Context, store registrystore.SyncStore, account *model.Account) (string, error) {
	session := uuid.NewString()
	if err := store.UpdateSessionToken(c.Request.Context(), account.ID, session); err != nil {
		serverError(c, "Failed to update session", err)
		return "", err
	}
	return fmt.Sprintf("%s:%s", account.ID, session), nil
}

func serverError(c *gin.Context, msg string, err error) {
	log.Error(msg, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
