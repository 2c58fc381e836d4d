package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lexcredit/pkg/db/pagination"
	"go.uber.org/zap"
)

func (s *Server) ListLedgerEntries(c *gin.Context) {
	accountID, err := pathID(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entries, pageInfo, err := s.ledgerSvc.ListEntries(c.Request.Context(), accountID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries, "page_info": pageInfo})
}

// ReconcileLedger reports drift as a result rather than an error; the
// account is frozen either way.
func (s *Server) ReconcileLedger(c *gin.Context) {
	accountID, err := pathID(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.Reconcile(c.Request.Context(), accountID)
	if err != nil && resp == nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// UnfreezeAccount lifts a freeze once the account reconciles again and then
// credits the payments captured while it was frozen.
func (s *Server) UnfreezeAccount(c *gin.Context) {
	accountID, err := pathID(c, "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	reconcile, err := s.ledgerSvc.Unfreeze(ctx, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	settlement, err := s.settlementSvc.SettlePending(ctx, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("account unfrozen by operator",
		zap.String("account_id", accountID.String()),
		zap.String("api_key", c.GetString(contextAPIKeyName)),
		zap.Int64("credited_amount", settlement.CreditedAmount),
	)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"reconcile":  reconcile,
		"settlement": settlement,
	}})
}
