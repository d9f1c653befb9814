package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stockcouncil/stockcouncil/internal/profiles"
)

// handleListProfiles returns every weighting profile
func (s *Server) handleListProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profiles": s.profiles.List()})
}

// handleGetProfile returns one profile by name
func (s *Server) handleGetProfile(c *gin.Context) {
	p, err := s.profiles.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleExportProfile serializes a profile as YAML (default) or JSON
func (s *Server) handleExportProfile(c *gin.Context) {
	p, err := s.profiles.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
		return
	}

	format := profiles.Format(strings.ToLower(c.DefaultQuery("format", "yaml")))
	data, err := profiles.Export(p, format)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	contentType := "application/x-yaml"
	if format == profiles.FormatJSON {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, data)
}

// handleSaveProfile imports a profile document (YAML or JSON) and
// stores it. Builtin names are refused.
func (s *Server) handleSaveProfile(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("failed to read profile document"))
		return
	}

	p, err := profiles.Import(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if err := s.profiles.Save(p); err != nil {
		c.JSON(http.StatusConflict, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, p)
}

// handleDeleteProfile removes a custom profile
func (s *Server) handleDeleteProfile(c *gin.Context) {
	if err := s.profiles.Delete(c.Param("name")); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, errorBody(err.Error()))
			return
		}
		c.JSON(http.StatusConflict, errorBody(err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}
