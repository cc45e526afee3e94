// Package profiles serves the named profile files: reads, optimistic
// concurrency writes, and the timestamp-cursor sync feed.
package profiles

import (
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/soulsync/soulsync-server/internal/config"
	"github.com/soulsync/soulsync-server/internal/model"
	"github.com/soulsync/soulsync-server/internal/notify"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"github.com/soulsync/soulsync-server/internal/security"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// MountRoutes mounts the profile file endpoints on the given router.
func MountRoutes(r *gin.Engine, store registrystore.SyncStore, hub *notify.Hub, cfg *config.Config, auth gin.HandlerFunc) {
	entitled := security.EntitlementMiddleware(store)
	g := r.Group("/api/profiles", auth)

	g.GET("", func(c *gin.Context) { getProfiles(c, store) })
	g.POST("", entitled, func(c *gin.Context) { putProfile(c, store, hub) })
	g.GET("/sync", entitled, func(c *gin.Context) { syncProfiles(c, store) })
}

func toFileEntry(f model.ProfileFile) gin.H {
	return gin.H{
		"file_path":  f.Path,
		"content":    f.Content,
		"version":    f.Version,
		"updated_at": f.UpdatedAt.UTC().Format(timeFormat),
	}
}

func getProfiles(c *gin.Context, store registrystore.SyncStore) {
	account := security.AccountFromContext(c)
	ctx := c.Request.Context()

	if path := c.Query("path"); path != "" {
		file, err := store.GetFile(ctx, account.ID, path)
		if err != nil {
			serverError(c, "Failed to load profile file", err)
			return
		}
		if file == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"files": []gin.H{toFileEntry(*file)}})
		return
	}

	files, err := store.ListFiles(ctx, account.ID)
	if err != nil {
		serverError(c, "Failed to list profile files", err)
		return
	}
	entries := make([]gin.H, 0, len(files))
	for _, f := range files {
		entries = append(entries, toFileEntry(f))
	}
	c.JSON(http.StatusOK, gin.H{"files": entries})
}

func putProfile(c *gin.Context, store registrystore.SyncStore, hub *notify.Hub) {
	var req struct {
		FilePath string  `json:"file_path"`
		Content  *string `json:"content"`
		Version  int64   `json:"version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.FilePath == "" || req.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_path and content are required"})
		return
	}

	account := security.AccountFromContext(c)
	file, err := store.PutFile(c.Request.Context(), account.ID, req.FilePath, *req.Content, req.Version)
	if err != nil {
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) {
			// The rejection carries the authoritative state so the client
			// can rebase without another round trip.
			c.JSON(http.StatusConflict, gin.H{
				"error":          "Version conflict",
				"code":           "VERSION_CONFLICT",
				"latest_content": conflict.LatestContent,
				"latest_version": conflict.LatestVersion,
			})
			return
		}
		var invalid *registrystore.ValidationError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error()})
			return
		}
		serverError(c, "Failed to store profile file", err)
		return
	}

	hub.Broadcast(c.Request.Context(), account.ID, notify.Event{
		Name: notify.EventFileUpdated,
		Data: gin.H{
			"file_path": file.Path,
			"version":   file.Version,
		},
	})

	c.JSON(http.StatusOK, gin.H{
		"file_path":  file.Path,
		"version":    file.Version,
		"updated_at": file.UpdatedAt.UTC().Format(timeFormat),
	})
}

func syncProfiles(c *gin.Context, store registrystore.SyncStore) {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
		return
	}

	account := security.AccountFromContext(c)
	files, err := store.ListFilesUpdatedAfter(c.Request.Context(), account.ID, since)
	if err != nil {
		serverError(c, "Failed to sync profile files", err)
		return
	}
	entries := make([]gin.H, 0, len(files))
	for _, f := range files {
		entries = append(entries, toFileEntry(f))
	}
	c.JSON(http.StatusOK, gin.H{
		"files":       entries,
		"server_time": time.Now().UTC().Format(timeFormat),
	})
}

// parseSince interprets the sync cursor. Empty and "0" both mean "from
// the beginning".
func parseSince(raw string) (time.Time, error) {
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func serverError(c *gin.Context, msg string, err error) {
	log.Error(msg, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
