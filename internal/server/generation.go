package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/smallbiznis/lexcredit/internal/generation/domain"
	"github.com/smallbiznis/lexcredit/pkg/db/pagination"
	"go.uber.org/zap"
)

type runGenerationRequest struct {
	OperationKind  string `json:"operation_kind"`
	Input          string `json:"input"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) RunGeneration(c *gin.Context) {
	accountID, err := pathID(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req runGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.generationSvc.ReserveAndRun(c.Request.Context(), generationdomain.RunRequest{
		AccountID:      accountID,
		OperationKind:  strings.TrimSpace(req.OperationKind),
		Input:          req.Input,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetUsageStatus(c *gin.Context) {
	accountID, err := pathID(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.generationSvc.GetUsageStatus(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetUsageRecord(c *gin.Context) {
	usageID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.generationSvc.Get(c.Request.Context(), usageID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListFailedUsage(c *gin.Context) {
	var query struct {
		pagination.Pagination
		AccountID string `form:"account_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID, err := parseOptionalSnowflakeID(query.AccountID)
	if err != nil || accountID == nil {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account_id"))
		return
	}

	records, pageInfo, err := s.generationSvc.ListFailed(c.Request.Context(), generationdomain.ListFailedRequest{
		AccountID: *accountID,
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records, "page_info": pageInfo})
}

type resolveUsageRequest struct {
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

func (s *Server) ResolveFailedUsage(c *gin.Context) {
	usageID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req resolveUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.generationSvc.ResolveFailed(c.Request.Context(), generationdomain.ResolveRequest{
		UsageID:    usageID,
		Resolution: generationdomain.UsageStatus(strings.ToLower(strings.TrimSpace(req.Resolution))),
		Note:       strings.TrimSpace(req.Note),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("usage record resolved",
		zap.String("usage_id", usageID.String()),
		zap.String("resolution", string(resp.Status)),
		zap.String("api_key", c.GetString(contextAPIKeyName)),
	)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
