package api

// setupRoutes registers the versioned API surface
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/health", s.handleHealth)

		analyses := v1.Group("/analyses")
		{
			analyses.POST("", s.handleSubmitAnalysis)
			analyses.GET("", s.handleListAnalyses)
			analyses.GET("/:id", s.handleGetAnalysis)
			analyses.DELETE("/:id", s.handleCancelAnalysis)
			analyses.GET("/:id/artifact", s.handleGetArtifact)
			analyses.GET("/:id/alerts", s.handleListAlerts)
			analyses.GET("/:id/events", s.handleListEvents)
			analyses.GET("/:id/similar", s.handleSimilarAnalyses)
			analyses.GET("/:id/stream", s.handleStream)
		}

		if s.profiles != nil {
			group := v1.Group("/profiles")
			{
				group.GET("", s.handleListProfiles)
				group.GET("/:name", s.handleGetProfile)
				group.GET("/:name/export", s.handleExportProfile)
				group.POST("", s.handleSaveProfile)
				group.DELETE("/:name", s.handleDeleteProfile)
			}
		}
	}

	s.router.GET("/", s.handleRoot)
}
