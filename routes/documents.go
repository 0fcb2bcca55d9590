package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"class-chat-backend/internal/logger"
	"class-chat-backend/internal/queue"
	"class-chat-backend/internal/store"
	"class-chat-backend/models"
)

type ingestRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	ClassID  string `json:"class_id" binding:"required"`
	DocID    string `json:"doc_id" binding:"required"`
	S3Key    string `json:"s3_key" binding:"required"`
	FileName string `json:"file_name" binding:"required"`
}

// SetupDocumentRoutes registers document lifecycle endpoints: ingest
// enqueue, status polling and summary re-enqueue.
func SetupDocumentRoutes(router *gin.Engine, docs *store.DocumentStore, tasks *queue.Client) {
	group := router.Group("/api/v1/documents")
	group.POST("/ingest", handleIngestDocument(docs, tasks))
	group.GET("/:doc_id/status", handleDocumentStatus(docs))
	group.POST("/:doc_id/summarize", handleResummarize(docs, tasks))
	group.GET("", handleListDocuments(docs))
}

// handleIngestDocument records the upload's metadata and enqueues the
// ingest task. The file itself is already in the object store under
// s3_key by the time this is called.
func handleIngestDocument(docs *store.DocumentStore, tasks *queue.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error_code": "invalid_request",
				"message":    "user_id, class_id, doc_id, s3_key and file_name are required",
			})
			return
		}

		existing, err := docs.Get(c.Request.Context(), req.UserID, req.DocID)
		if err != nil {
			logger.Error("Failed to look up document", "doc_id", req.DocID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error_code": "error",
				"message":    "Failed to register document",
			})
			return
		}
		if existing == nil {
			meta := &models.DocumentMeta{
				DocID:    req.DocID,
				UserID:   req.UserID,
				ClassID:  req.ClassID,
				FileName: req.FileName,
				S3Key:    req.S3Key,
			}
			if err := docs.Create(c.Request.Context(), meta); err != nil {
				logger.Error("Failed to create document metadata", "doc_id", req.DocID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error_code": "error",
					"message":    "Failed to register document",
				})
				return
			}
		} else {
			// Re-ingest of a known document: flip it back to processing so
			// status polling reflects the new run.
			if err := docs.SetProcessing(c.Request.Context(), req.UserID, req.DocID, true); err != nil {
				logger.Warn("Failed to mark document as processing", "doc_id", req.DocID, "error", err)
			}
		}

		job := models.IngestJob{
			UserID:   req.UserID,
			ClassID:  req.ClassID,
			S3Key:    req.S3Key,
			DocID:    req.DocID,
			FileName: req.FileName,
		}
		if err := tasks.EnqueueIngest(job); err != nil {
			logger.Error("Failed to enqueue ingest task", "doc_id", req.DocID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error_code": "error",
				"message":    "Failed to queue document for processing",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status": "queued",
			"doc_id": req.DocID,
		})
	}
}

// handleDocumentStatus reports ingest and summary state for polling.
func handleDocumentStatus(docs *store.DocumentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		docID := c.Param("doc_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error_code": "invalid_request",
				"message":    "user_id is required",
			})
			return
		}

		meta, err := docs.Get(c.Request.Context(), userID, docID)
		if err != nil {
			logger.Error("Failed to look up document", "doc_id", docID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error_code": "error",
				"message":    "Failed to fetch document status",
			})
			return
		}
		if meta == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error_code": "not_found",
				"message":    "Document not found",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"doc_id":        meta.DocID,
			"file_name":     meta.FileName,
			"isProcessing":  meta.IsProcessing,
			"summaryStatus": meta.SummaryStatus,
			"hasSummary":    meta.HasSummary,
			"pdfS3Key":      meta.PDFS3Key,
		})
	}
}

// handleResummarize re-enqueues the background summary for a document,
// used after a summary ends up in the failed state.
func handleResummarize(docs *store.DocumentStore, tasks *queue.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		docID := c.Param("doc_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error_code": "invalid_request",
				"message":    "user_id is required",
			})
			return
		}

		meta, err := docs.Get(c.Request.Context(), userID, docID)
		if err != nil || meta == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error_code": "not_found",
				"message":    "Document not found",
			})
			return
		}

		job := models.SummaryJob{
			UserID:   meta.UserID,
			ClassID:  meta.ClassID,
			DocID:    meta.DocID,
			FileName: meta.FileName,
		}
		if err := tasks.EnqueueSummary(job); err != nil {
			logger.Error("Failed to enqueue summary task", "doc_id", docID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error_code": "error",
				"message":    "Failed to queue summary",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status": "queued",
			"doc_id": docID,
		})
	}
}

// handleListDocuments lists a class's documents for the picker UI.
func handleListDocuments(docs *store.DocumentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		classID := c.Query("class_id")
		if userID == "" || classID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error_code": "invalid_request",
				"message":    "user_id and class_id are required",
			})
			return
		}

		list, err := docs.ListByClass(c.Request.Context(), userID, classID)
		if err != nil {
			logger.Error("Failed to list documents", "class_id", classID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error_code": "error",
				"message":    "Failed to list documents",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{"documents": list})
	}
}
