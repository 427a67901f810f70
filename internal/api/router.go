package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter builds the engine with the standard middleware chain and all routes.
func NewRouter(h *Handler, allowedOrigins []string, log zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), RequestLogger(log), Recovery(log))
	if len(allowedOrigins) > 0 {
		router.Use(CORS(allowedOrigins))
	}
	h.RegisterRoutes(router)
	return router
}
