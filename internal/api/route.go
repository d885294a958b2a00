package api

import (
	"Amity/internal/api/middleware"
	"Amity/internal/pkg/logger"
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRouter(group *HandlersGroup) *gin.Engine {
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"localhost"})

	// TraceId & Logger & CORS
	r.Use(middleware.TraceMiddleware())
	r.Use(middleware.CORSMiddleware())
	logger.SetupGin(r)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"Code":    200,
				"Message": "pong",
				"Data":    nil,
			})
		})

		imGroup := apiGroup.Group("/im")
		{
			// 长连接在首帧内完成认证，不走 HTTP 中间件
			imGroup.GET("/ws", group.WsHandler.Connect)

			authGroup := imGroup.Group("")
			authGroup.Use(middleware.AuthMiddleware())
			{
				authGroup.GET("/conversations", group.IMHandler.GetConversationList)
				authGroup.POST("/conversation", group.IMHandler.ResolveConversation)
				authGroup.GET("/messages", group.IMHandler.SyncMessages)
				authGroup.GET("/history", group.IMHandler.GetChatHistory)
				authGroup.POST("/send", group.IMHandler.SendMessage)
				authGroup.POST("/read", group.IMHandler.MarkAsRead)
				authGroup.POST("/ack", group.IMHandler.AckDelivered)
				authGroup.GET("/unread/total", group.IMHandler.GetTotalUnread)
			}
		}
	}

	return r
}
