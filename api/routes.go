package api

import (
	"github.com/labstack/echo/v4"

	"github.com/recasthq/recast/auth"
)

// SetupRoutes binds every Recast endpoint onto e. Health and the
// WebSocket upgrade are unversioned; everything else lives under /api.
func SetupRoutes(e *echo.Echo, h *Handlers) {
	e.GET("/healthz", h.Health)
	e.GET("/readyz", h.Ready)
	if h.WS != nil {
		// The hub authenticates the handshake itself so rejections can
		// carry a WebSocket close code.
		e.GET("/ws", echo.WrapHandler(h.WS))
	}

	// Anonymous auth routes, limited per client IP.
	anon := e.Group("/api/auth", h.rateLimit(auth.BucketAuth))
	anon.POST("/register", h.Register)
	anon.POST("/login", h.Login)
	anon.POST("/refresh", h.Refresh)

	verify := h.verifyToken()
	std := h.rateLimit(auth.BucketAPI)
	heavy := h.rateLimit(auth.BucketTransformations)

	account := e.Group("/api/auth", verify, h.bindSubject, std)
	account.POST("/logout", h.Logout)
	account.GET("/me", h.Me)
	account.POST("/change-password", h.ChangePassword)
	account.GET("/sessions", h.ListSessions)
	account.DELETE("/sessions/:id", h.RevokeSession)

	api := e.Group("/api", verify, h.bindSubject)

	api.POST("/documents/upload", h.UploadDocument, std)
	api.GET("/documents", h.ListDocuments, std)
	api.GET("/documents/:id", h.GetDocument, std)
	api.GET("/documents/:id/content", h.DocumentContent, std)
	api.POST("/documents/:id/reprocess", h.ReprocessDocument, std)
	api.DELETE("/documents/:id", h.DeleteDocument, std)

	api.GET("/transformations/kinds", h.TransformationKinds, std)
	api.POST("/transformations", h.CreateTransformation, heavy)
	api.GET("/transformations", h.ListTransformations, std)
	api.GET("/transformations/:id", h.GetTransformation, std)
	api.GET("/transformations/:id/status", h.TransformationStatus, std)
	api.POST("/transformations/:id/cancel", h.CancelTransformation, heavy)

	api.GET("/transformation-presets", h.ListPresets, std)
	api.POST("/transformation-presets", h.CreatePreset, std)
	api.GET("/transformation-presets/:id", h.GetPreset, std)
	api.PATCH("/transformation-presets/:id", h.UpdatePreset, std)
	api.DELETE("/transformation-presets/:id", h.DeletePreset, std)

	api.GET("/workspace/usage", h.WorkspaceUsage, std)

	admin := api.Group("/providers", requireAdmin, std)
	admin.GET("/status", h.ProviderStatus)
	admin.GET("/costs", h.ProviderCosts)
}
