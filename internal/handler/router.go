package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		// 聊天渠道交付
		api.POST("/delivery", h.Deliver)

		admin := api.Group("/admin")
		{
			products := admin.Group("/products")
			{
				products.POST("", h.CreateProduct)
				products.GET("", h.ListProducts)
				products.GET("/:id", h.GetProduct)
				products.PUT("/:id", h.UpdateProduct)
				products.DELETE("/:id", h.DeleteProduct)
				products.POST("/:id/pause", h.PauseProduct)
				products.POST("/:id/resume", h.ResumeProduct)
				products.GET("/:id/accounts", h.ListAccounts)
				products.POST("/:id/accounts", h.AddAccount)
			}

			accounts := admin.Group("/accounts")
			{
				accounts.PUT("/:id/status", h.SetAccountStatus)
				accounts.DELETE("/:id", h.DeleteAccount)
				accounts.GET("/:id/claims", h.ListClaims)
				accounts.DELETE("/:id/claims", h.EraseAllUsers)
				accounts.DELETE("/:id/claims/:requester_id", h.RemoveUser)
				accounts.POST("/:id/limits/reset", h.ResetAllLimits)
				accounts.POST("/:id/claims/:requester_id/limit/reset", h.ResetUserLimit)
			}

			admin.POST("/alerts/:id/dismiss", h.DismissAlert)

			stores := admin.Group("/stores/:store_id")
			{
				stores.GET("/alerts", h.ListAlerts)
				stores.GET("/export", h.Export)
			}
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
