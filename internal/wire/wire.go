package wire

import (
	"Amity/internal/api"
	"Amity/internal/api/config"
	"Amity/internal/api/handler"
	"Amity/internal/im"
	"Amity/internal/job"
	"Amity/internal/pkg/cron"
	pkgmongo "Amity/internal/pkg/mongo"
	"Amity/internal/pkg/redis"
	"Amity/internal/pkg/security"
	"Amity/internal/repository"
	"Amity/internal/service"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

// ApplicationContainer 封装了应用运行所需的所有顶级组件
type ApplicationContainer struct {
	Router    *gin.Engine
	DB        *gorm.DB
	IMService service.IMService
	Hub       *im.Hub
	CronMgr   *cron.Manager
}

func BuildApplication(db *gorm.DB, mongoConn *mongo.Database, cfg *config.Config) (*ApplicationContainer, error) {
	convRepo := repository.NewConversationRepo(db)
	messageRepo := pkgmongo.NewMessageRepo(mongoConn)

	registry := im.NewRegistry()
	hub := im.NewHub(registry, messageRepo, cfg.IM.FanoutWorkers, cfg.IM.EventBuffer)
	dedup := redis.NewDedupStore(time.Duration(cfg.IM.DedupTTLMin) * time.Minute)

	imService := service.NewIMService(convRepo, messageRepo, hub, dedup, cfg.IM)

	gateway := im.NewGateway(registry, imService, authenticate, im.GatewayConfig{
		HandshakeTimeout: time.Duration(cfg.WS.HandshakeTimeoutSec) * time.Second,
		WriteTimeout:     time.Duration(cfg.WS.WriteTimeoutSec) * time.Second,
		MaxFrameBytes:    cfg.WS.MaxFrameBytes,
		SendBuffer:       cfg.WS.SendBuffer,
	})

	handlers := &api.HandlersGroup{
		IMHandler: handler.NewIMHandler(imService),
		WsHandler: handler.NewWsHandler(gateway),
	}

	router := api.SetupRouter(handlers)

	backlogJob := job.NewDeliveryBacklogJob(messageRepo)
	cronMgr := cron.NewCronManager(backlogJob)

	return &ApplicationContainer{
		Router:    router,
		DB:        db,
		IMService: imService,
		Hub:       hub,
		CronMgr:   cronMgr,
	}, nil
}

// authenticate 长连接首帧认证：复用 HTTP 侧的 JWT 校验
func authenticate(token string) (uint64, error) {
	claims, err := security.ValidateToken(token)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}
