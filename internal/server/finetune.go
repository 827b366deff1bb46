package server

import (
	"net/http"
	"strings"

	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) StartFineTuningJob(c *gin.Context) {
	var req struct {
		DocumentType    string         `json:"document_type"`
		Hyperparameters map[string]any `json:"hyperparameters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	job, err := s.finetuneSvc.Start(c.Request.Context(), finetunedomain.StartJobRequest{
		DocumentType:    documentdomain.DocumentType(strings.ToLower(strings.TrimSpace(req.DocumentType))),
		Hyperparameters: req.Hyperparameters,
		TriggeredBy:     actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) ListFineTuningJobs(c *gin.Context) {
	var query finetunedomain.ListJobsRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	jobs, total, err := s.finetuneSvc.List(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs, "total": total})
}

func (s *Server) GetFineTuningJob(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	job, err := s.finetuneSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) GetFineTuningJobStatus(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	status, err := s.finetuneSvc.GetStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) ListFineTuningJobDocuments(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	snapshots, err := s.finetuneSvc.ListJobDocuments(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snapshots})
}

func (s *Server) CancelFineTuningJob(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	job, err := s.finetuneSvc.Cancel(c.Request.Context(), id, actorID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}
