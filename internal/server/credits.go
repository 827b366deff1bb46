package server

import (
	"net/http"
	"strings"

	creditdomain "github.com/docuvine/docuvine/internal/credit/domain"
	"github.com/docuvine/docuvine/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

func (s *Server) CreateAccount(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id"`
		Plan      string `json:"plan"`
		AutoRenew bool   `json:"auto_renew"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	accountID, err := parseSnowflakeID(req.AccountID)
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account_id"))
		return
	}

	account, err := s.creditSvc.CreateAccount(c.Request.Context(), creditdomain.CreateAccountRequest{
		AccountID: accountID,
		Plan:      creditdomain.PlanType(strings.ToLower(strings.TrimSpace(req.Plan))),
		AutoRenew: req.AutoRenew,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) GetBalance(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	account, err := s.creditSvc.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) AuthorizeCredits(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req struct {
		RequiredCredits int64 `json:"required_credits"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.creditSvc.Authorize(c.Request.Context(), accountID, req.RequiredCredits)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) DebitCredits(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req struct {
		Amount         int64  `json:"amount"`
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.creditSvc.Debit(c.Request.Context(), creditdomain.DebitRequest{
		AccountID:      accountID,
		Amount:         req.Amount,
		Reason:         creditdomain.EntryReason(strings.TrimSpace(req.Reason)),
		Actor:          actorID(c),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) GrantCredits(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req struct {
		Amount      int64  `json:"amount"`
		Reason      string `json:"reason"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.creditSvc.Credit(c.Request.Context(), creditdomain.CreditRequest{
		AccountID:   accountID,
		Amount:      req.Amount,
		Reason:      creditdomain.EntryReason(strings.TrimSpace(req.Reason)),
		Actor:       actorID(c),
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) ListUsageEntries(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query = query.Normalize()

	entries, total, err := s.creditSvc.ListEntries(c.Request.Context(), accountID, query.Limit, query.Offset)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": entries,
		"page_info": pagination.PageInfo{
			Total:  total,
			Limit:  query.Limit,
			Offset: query.Offset,
		},
	})
}

func (s *Server) ReconcileBalance(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	sum, err := s.creditSvc.ReconcileBalance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	account, err := s.creditSvc.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"account_id": accountID,
		"balance":    account.Credits,
		"ledger_sum": sum,
		"consistent": account.Credits == sum,
	}})
}
