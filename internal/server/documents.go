package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) CreateDocument(c *gin.Context) {
	var req documentdomain.CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	document, err := s.documentSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": document})
}

func (s *Server) GetDocument(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	document, err := s.documentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": document})
}

func (s *Server) QueryDocuments(c *gin.Context) {
	var query documentdomain.QueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	isVerified, err := parseOptionalBool(c.Query("is_verified"))
	if err != nil {
		AbortWithError(c, newValidationError("is_verified", "invalid_is_verified", "invalid is_verified"))
		return
	}
	includeInTraining, err := parseOptionalBool(c.Query("include_in_training"))
	if err != nil {
		AbortWithError(c, newValidationError("include_in_training", "invalid_include_in_training", "invalid include_in_training"))
		return
	}
	query.IsVerified = isVerified
	query.IncludeInTraining = includeInTraining

	resp, err := s.documentSvc.Query(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Documents, "page_info": resp.PageInfo})
}

func (s *Server) ProcessDocumentBatch(c *gin.Context) {
	var req struct {
		DocumentIDs []string `json:"document_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.DocumentIDs) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	ids := make([]snowflake.ID, 0, len(req.DocumentIDs))
	for _, raw := range req.DocumentIDs {
		id, err := parseSnowflakeID(raw)
		if err != nil {
			AbortWithError(c, newValidationError("document_ids", "invalid_document_id", "invalid document id"))
			return
		}
		ids = append(ids, id)
	}

	result, err := s.documentSvc.ProcessBatch(c.Request.Context(), ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) VerifyDocument(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req struct {
		CorrectedPayload json.RawMessage `json:"corrected_payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	document, err := s.documentSvc.Verify(c.Request.Context(), id, req.CorrectedPayload, actorID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": document})
}

func (s *Server) RejectDocument(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	document, err := s.documentSvc.Reject(c.Request.Context(), id, actorID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": document})
}

func (s *Server) SetIncludeInTraining(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req struct {
		IncludeInTraining *bool `json:"include_in_training"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IncludeInTraining == nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	document, err := s.documentSvc.SetIncludeInTraining(c.Request.Context(), id, *req.IncludeInTraining)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": document})
}

func (s *Server) AutoAssignSplit(c *gin.Context) {
	var req struct {
		DocumentType    string `json:"document_type"`
		TrainPercentage int    `json:"train_percentage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	summaries, err := s.documentSvc.AutoAssignSplit(
		c.Request.Context(),
		documentdomain.DocumentType(strings.ToLower(strings.TrimSpace(req.DocumentType))),
		req.TrainPercentage,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summaries})
}

func (s *Server) ListDocumentEdits(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	edits, err := s.documentSvc.ListEdits(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": edits})
}
