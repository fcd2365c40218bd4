package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListRecords(c *gin.Context) {
	_, backend, err := h.collections.Lookup(c.Param("name"))
	if err != nil {
		h.writeServiceError(c, "collections.list", err)
		return
	}
	list, err := backend.List(c.Request.Context(), viewerFrom(c))
	if err != nil {
		h.writeServiceError(c, "collections.list", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	name, backend, err := h.collections.Lookup(c.Param("name"))
	if err != nil {
		h.writeServiceError(c, "collections.create", err)
		return
	}
	record, ok := bindRecord(c)
	if !ok {
		return
	}
	created, err := backend.Create(c.Request.Context(), viewerFrom(c), record)
	if err != nil {
		h.writeServiceError(c, "collections.create", err)
		return
	}
	h.publishChange(name.String(), created.ID())
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	name, backend, err := h.collections.Lookup(c.Param("name"))
	if err != nil {
		h.writeServiceError(c, "collections.update", err)
		return
	}
	record, ok := bindRecord(c)
	if !ok {
		return
	}
	updated, err := backend.Update(c.Request.Context(), viewerFrom(c), c.Param("id"), record)
	if err != nil {
		h.writeServiceError(c, "collections.update", err)
		return
	}
	h.publishChange(name.String(), updated.ID())
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	name, backend, err := h.collections.Lookup(c.Param("name"))
	if err != nil {
		h.writeServiceError(c, "collections.delete", err)
		return
	}
	id := c.Param("id")
	if err := backend.Delete(c.Request.Context(), viewerFrom(c), id); err != nil {
		h.writeServiceError(c, "collections.delete", err)
		return
	}
	h.publishChange(name.String(), id)
	c.Status(http.StatusNoContent)
}

func bindRecord(c *gin.Context) (records.Record, bool) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	record, err := records.DecodeRecord(payload)
	if err != nil || record == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	return record, true
}
