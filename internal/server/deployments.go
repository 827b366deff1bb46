package server

import (
	"net/http"
	"strings"

	deploymentdomain "github.com/docuvine/docuvine/internal/deployment/domain"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListModelVersions(c *gin.Context) {
	var query deploymentdomain.ListVersionsRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	versions, err := s.deploymentSvc.List(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": versions})
}

func (s *Server) GetModelVersion(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	version, err := s.deploymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": version})
}

func (s *Server) DeployModelVersion(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	version, err := s.deploymentSvc.Deploy(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": version})
}

func (s *Server) DeactivateModelVersion(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	version, err := s.deploymentSvc.Deactivate(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": version})
}

func (s *Server) ArchiveModelVersion(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	version, err := s.deploymentSvc.Archive(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": version})
}

func (s *Server) SetCanaryTraffic(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req struct {
		TrafficPercentage *int `json:"traffic_percentage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TrafficPercentage == nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	version, err := s.deploymentSvc.SetCanaryTraffic(c.Request.Context(), id, *req.TrafficPercentage)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": version})
}

func (s *Server) RouteModelVersion(c *gin.Context) {
	documentType := documentdomain.DocumentType(strings.ToLower(strings.TrimSpace(c.Query("document_type"))))
	if !documentdomain.ValidDocumentType(documentType) {
		AbortWithError(c, newValidationError("document_type", "invalid_document_type", "invalid document_type"))
		return
	}
	routingKey := strings.TrimSpace(c.Query("routing_key"))

	route, err := s.deploymentSvc.RouteFor(c.Request.Context(), documentType, routingKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": route})
}
