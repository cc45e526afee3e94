// Package memories serves the account memory blob: latest snapshot,
// last-write-wins updates, and the version-cursor sync feed.
package memories

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/soulsync/soulsync-server/internal/config"
	"github.com/soulsync/soulsync-server/internal/model"
	"github.com/soulsync/soulsync-server/internal/notify"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"github.com/soulsync/soulsync-server/internal/security"
	"golang.org/x/crypto/bcrypt"
)

// MountRoutes mounts the memory endpoints on the given router.
func MountRoutes(r *gin.Engine, store registrystore.SyncStore, hub *notify.Hub, cfg *config.Config, auth gin.HandlerFunc) {
	entitled := security.EntitlementMiddleware(store)
	g := r.Group("/api/memories", auth)

	g.GET("", func(c *gin.Context) { getMemory(c, store) })
	g.POST("", entitled, func(c *gin.Context) { putMemory(c, store, hub) })
	g.GET("/sync", entitled, func(c *gin.Context) { syncMemories(c, store) })
	g.GET("/profile", func(c *gin.Context) { getProfile(c, store) })
	g.POST("/bind-email", func(c *gin.Context) { bindEmail(c, store) })
}

type memoryResponse struct {
	ID        int64  `json:"id,omitempty"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func toMemoryResponse(m *model.Memory) memoryResponse {
	return memoryResponse{
		ID:        m.ID,
		Content:   m.Content,
		Version:   m.Version,
		UpdatedAt: m.UpdatedAt.UTC().Format(timeFormat),
	}
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func getMemory(c *gin.Context, store registrystore.SyncStore) {
	account := security.AccountFromContext(c)
	memory, err := store.GetLatestMemory(c.Request.Context(), account.ID)
	if err != nil {
		serverError(c, "Failed to load memory", err)
		return
	}
	if memory == nil {
		// No memory yet reads as an empty blob at version 0, so clients
		// need no first-run special case.
		c.JSON(http.StatusOK, gin.H{"content": "", "version": 0})
		return
	}
	resp := toMemoryResponse(memory)
	resp.ID = 0
	c.JSON(http.StatusOK, resp)
}

func putMemory(c *gin.Context, store registrystore.SyncStore, hub *notify.Hub) {
	var req struct {
		Content *string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	account := security.AccountFromContext(c)
	memory, err := store.PutMemory(c.Request.Context(), account.ID, *req.Content)
	if err != nil {
		serverError(c, "Failed to store memory", err)
		return
	}

	hub.Broadcast(c.Request.Context(), account.ID, notify.Event{
		Name: notify.EventNewMemory,
		Data: gin.H{
			"version":    memory.Version,
			"updated_at": memory.UpdatedAt.UTC().Format(timeFormat),
		},
	})

	c.JSON(http.StatusOK, toMemoryResponse(memory))
}

func syncMemories(c *gin.Context, store registrystore.SyncStore) {
	version, _ := strconv.ParseInt(c.Query("version"), 10, 64)
	if version < 0 {
		version = 0
	}

	account := security.AccountFromContext(c)
	memories, err := store.GetMemoriesSince(c.Request.Context(), account.ID, version)
	if err != nil {
		serverError(c, "Failed to sync memories", err)
		return
	}

	updates := make([]gin.H, 0, len(memories))
	for _, m := range memories {
		updates = append(updates, gin.H{
			"content":    m.Content,
			"version":    m.Version,
			"updated_at": m.UpdatedAt.UTC().Format(timeFormat),
		})
	}
	c.JSON(http.StatusOK, gin.H{"version": version, "updates": updates})
}

func getProfile(c *gin.Context, store registrystore.SyncStore) {
	account := security.AccountFromContext(c)
	memory, err := store.GetLatestMemory(c.Request.Context(), account.ID)
	if err != nil {
		serverError(c, "Failed to load memory", err)
		return
	}

	var memorySummary gin.H
	if memory != nil {
		memorySummary = gin.H{
			"version":    memory.Version,
			"updated_at": memory.UpdatedAt.UTC().Format(timeFormat),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      account.ID,
		"device_id":    account.DeviceID,
		"email":        account.Email,
		"subscription": security.SubscriptionInfoFor(account),
		"memory":       memorySummary,
	})
}

func bindEmail(c *gin.Context, store registrystore.SyncStore) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	account := security.AccountFromContext(c)
	if account.Email != nil && *account.Email != req.Email {
		c.JSON(http.StatusConflict, gin.H{"error": "Email already bound"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		serverError(c, "Failed to hash password", err)
		return
	}
	if err := store.BindEmail(c.Request.Context(), account.ID, req.Email, hash); err != nil {
		var dup *registrystore.DuplicateError
		if errors.As(err, &dup) {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already in use"})
			return
		}
		serverError(c, "Failed to bind email", err)
		return
	}

	updated, err := store.GetAccount(c.Request.Context(), account.ID)
	if err != nil || updated == nil {
		serverError(c, "Failed to reload account", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":             updated.ID,
		"device_id":           updated.DeviceID,
		"email":               updated.Email,
		"subscription_status": updated.SubscriptionStatus,
	})
}

func serverError(c *gin.Context, msg string, err error) {
	log.Error(msg, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
