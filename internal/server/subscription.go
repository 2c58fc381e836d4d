package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) CancelSubscription(c *gin.Context) {
	subscriptionID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.RequestCancel(c.Request.Context(), subscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
