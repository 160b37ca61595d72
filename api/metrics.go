package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleQueueDepths exposes per-queue backlog depth, the signal an
// autoscaler polls to size the worker fleet. Depth counts both waiting
// and leased messages so scale-down never races in-flight work.
func (s *Server) handleQueueDepths(c *gin.Context) {
	depths, err := s.broker.Depths(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}

	var total int64
	for _, d := range depths {
		total += d
	}
	c.JSON(http.StatusOK, gin.H{"queues": depths, "total": total})
}
