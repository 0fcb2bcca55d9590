package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"class-chat-backend/models"
	"class-chat-backend/services"
)

// SetupQueryRoutes registers the query endpoint.
func SetupQueryRoutes(router *gin.Engine, answers *services.AnswerService) {
	router.POST("/api/v1/query", handleQuery(answers))
}

// handleQuery answers a query, streaming over SSE when the pipeline
// produces a token stream and returning a single JSON envelope for the
// follow-up, summary and error paths.
func handleQuery(answers *services.AnswerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error_code": "invalid_request",
				"message":    "user_id and user_query are required",
			})
			return
		}

		outcome := answers.Answer(c.Request.Context(), req)

		if outcome.Response != nil {
			c.JSON(http.StatusOK, outcome.Response)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Writer.Flush()

		write := func(event models.StreamEvent) error {
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				return err
			}
			c.Writer.Flush()
			return nil
		}
		outcome.Stream.Pump(write)
	}
}
