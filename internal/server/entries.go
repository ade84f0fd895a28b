package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/tracker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type mediaPayload struct {
	MediaID        int64    `json:"media_id"`
	Title          string   `json:"title"`
	TitleRomaji    string   `json:"title_romaji,omitempty"`
	TitleEnglish   string   `json:"title_english,omitempty"`
	TitleNative    string   `json:"title_native,omitempty"`
	CoverLargeURL  string   `json:"cover_large_url,omitempty"`
	CoverMediumURL string   `json:"cover_medium_url,omitempty"`
	Episodes       *int     `json:"episodes,omitempty"`
	Format         string   `json:"format,omitempty"`
	Genres         []string `json:"genres,omitempty"`
	Synopsis       string   `json:"synopsis,omitempty"`
}

type entryPayload struct {
	LocalID             int64         `json:"local_id"`
	MediaID             int64         `json:"media_id"`
	RemoteID            *int64        `json:"remote_id,omitempty"`
	Status              string        `json:"status"`
	Progress            int           `json:"progress"`
	Score               *float64      `json:"score,omitempty"`
	SortOrder           int           `json:"sort_order"`
	Dirty               bool          `json:"dirty"`
	LastModifiedSeconds int64         `json:"last_modified_s"`
	Media               *mediaPayload `json:"media,omitempty"`
}

type addEntryRequest struct {
	MediaID  int64         `json:"media_id"`
	Status   string        `json:"status"`
	Progress int           `json:"progress"`
	Score    *float64      `json:"score"`
	Media    *mediaPayload `json:"media"`
}

type progressRequest struct {
	Progress *int `json:"progress"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type scoreRequest struct {
	Score *float64 `json:"score"`
}

type reorderRequest struct {
	From *int `json:"from"`
	To   *int `json:"to"`
}

func (h *httpHandler) handleListEntries(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		entries []library.Entry
		err     error
	)
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, parseErr := library.ParseStatus(raw)
		if parseErr != nil {
			h.respondError(c, parseErr)
			return
		}
		entries, err = h.library.ListByStatus(ctx, status)
	} else {
		entries, err = h.library.ListAll(ctx)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, h.describeEntry(c, entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) handleGetEntry(c *gin.Context) {
	localID, ok := h.localIDParam(c)
	if !ok {
		return
	}
	entry, err := h.library.FindByLocalID(c.Request.Context(), localID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.describeEntry(c, entry))
}

func (h *httpHandler) handleAddEntry(c *gin.Context) {
	var request addEntryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := library.ParseStatus(request.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	add := tracker.AddRequest{
		MediaID:  request.MediaID,
		Status:   status,
		Progress: request.Progress,
		Score:    request.Score,
	}
	if request.Media != nil {
		record := toMediaRecord(*request.Media)
		add.Media = &record
	}
	entry, err := h.tracker.Add(c.Request.Context(), add)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.describeEntry(c, entry))
}

func (h *httpHandler) handleSetProgress(c *gin.Context) {
	localID, ok := h.localIDParam(c)
	if !ok {
		return
	}
	var request progressRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Progress == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entry, err := h.tracker.SetProgress(c.Request.Context(), localID, *request.Progress)
	h.respondEntry(c, entry, err)
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	h.handleStatusChange(c, false)
}

func (h *httpHandler) handleMoveEntry(c *gin.Context) {
	h.handleStatusChange(c, true)
}

func (h *httpHandler) handleStatusChange(c *gin.Context, move bool) {
	localID, ok := h.localIDParam(c)
	if !ok {
		return
	}
	var request statusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := library.ParseStatus(request.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var entry library.Entry
	if move {
		entry, err = h.tracker.Move(c.Request.Context(), localID, status)
	} else {
		entry, err = h.tracker.SetStatus(c.Request.Context(), localID, status)
	}
	h.respondEntry(c, entry, err)
}

func (h *httpHandler) handleSetScore(c *gin.Context) {
	localID, ok := h.localIDParam(c)
	if !ok {
		return
	}
	var request scoreRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entry, err := h.tracker.SetScore(c.Request.Context(), localID, request.Score)
	h.respondEntry(c, entry, err)
}

func (h *httpHandler) handleRemoveEntry(c *gin.Context) {
	localID, ok := h.localIDParam(c)
	if !ok {
		return
	}
	if _, err := h.tracker.Remove(c.Request.Context(), localID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListCounts(c *gin.Context) {
	counts, err := h.library.CountByStatus(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make(map[string]int64, len(counts))
	for status, count := range counts {
		response[status.String()] = count
	}
	c.JSON(http.StatusOK, gin.H{"lists": response})
}

func (h *httpHandler) handleReorder(c *gin.Context) {
	status, err := library.ParseStatus(c.Param("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request reorderRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.From == nil || request.To == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entries, err := h.tracker.Reorder(c.Request.Context(), status, *request.From, *request.To)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, h.describeEntry(c, entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) respondEntry(c *gin.Context, entry library.Entry, err error) {
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.describeEntry(c, entry))
}

func (h *httpHandler) localIDParam(c *gin.Context) (int64, bool) {
	localID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || localID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return localID, true
}

func (h *httpHandler) describeEntry(c *gin.Context, entry library.Entry) entryPayload {
	payload := entryPayload{
		LocalID:             entry.LocalID,
		MediaID:             entry.MediaID,
		RemoteID:            entry.RemoteID,
		Status:              entry.Status.String(),
		Progress:            entry.Progress,
		Score:               entry.Score,
		SortOrder:           entry.SortOrder,
		Dirty:               entry.Dirty,
		LastModifiedSeconds: entry.LastModifiedSeconds,
	}
	record, err := h.library.FindMediaRecord(c.Request.Context(), entry.MediaID)
	switch {
	case err == nil:
		media := fromMediaRecord(record)
		payload.Media = &media
	case !errors.Is(err, library.ErrNotFound):
		h.logger.Warn("media lookup failed", zap.Int64("media_id", entry.MediaID), zap.Error(err))
	}
	return payload
}

func fromMediaRecord(record library.MediaRecord) mediaPayload {
	return mediaPayload{
		MediaID:        record.MediaID,
		Title:          record.DisplayTitle(),
		TitleRomaji:    record.TitleRomaji,
		TitleEnglish:   record.TitleEnglish,
		TitleNative:    record.TitleNative,
		CoverLargeURL:  record.CoverLargeURL,
		CoverMediumURL: record.CoverMediumURL,
		Episodes:       record.Episodes,
		Format:         record.Format,
		Genres:         record.Genres,
		Synopsis:       record.Synopsis,
	}
}

func toMediaRecord(payload mediaPayload) library.MediaRecord {
	return library.MediaRecord{
		MediaID:        payload.MediaID,
		TitleRomaji:    payload.TitleRomaji,
		TitleEnglish:   payload.TitleEnglish,
		TitleNative:    payload.TitleNative,
		CoverLargeURL:  payload.CoverLargeURL,
		CoverMediumURL: payload.CoverMediumURL,
		Episodes:       payload.Episodes,
		Format:         payload.Format,
		Genres:         payload.Genres,
		Synopsis:       payload.Synopsis,
	}
}
