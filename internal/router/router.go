package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/internal/handlers"
	"github.com/lookout-dev/lookout/internal/middleware"
	"github.com/lookout-dev/lookout/internal/types"
)

// Deps carries the wired handlers. Every handler receives its collaborators
// through its struct; nothing here reaches for globals.
type Deps struct {
	DB *gorm.DB

	Auth          *handlers.AuthHandler
	Users         *handlers.UserHandler
	Groups        *handlers.GroupHandler
	Members       *handlers.MemberHandler
	Servers       *handlers.ServerHandler
	Probes        *handlers.ProbeHandler
	Configs       *handlers.NotificationConfigHandler
	Notifications *handlers.NotificationHandler
	Ingest        *handlers.IngestHandler
	WS            *handlers.WSHandler
}

func New(deps Deps) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     types.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authRequired := middleware.AuthMiddleware(deps.DB)

	api := r.Group("/api")
	{
		api.GET("/health", handlers.HealthCheck)
		api.POST("/hooks/:token", deps.Ingest.ReceiveWebhook)
		api.GET("/ws/:group_id", authRequired, deps.WS.Subscribe)

		auth := api.Group("/auth")
		{
			auth.POST("/register", deps.Auth.CreateUser)
			auth.POST("/login", deps.Auth.LoginUser)
			auth.GET("/me", authRequired, deps.Auth.Me)
			auth.POST("/logout", authRequired, deps.Auth.LogoutUser)
		}

		users := api.Group("/users", authRequired)
		{
			users.PATCH("/:user_id/role", deps.Users.UpdateRole)
		}

		groups := api.Group("/groups", authRequired)
		{
			groups.POST("", deps.Groups.CreateGroup)
			groups.GET("", deps.Groups.ListGroups)
			groups.GET("/:group_id", deps.Groups.GetGroup)
			groups.PATCH("/:group_id", deps.Groups.UpdateGroup)
			groups.DELETE("/:group_id", deps.Groups.DeleteGroup)

			groups.POST("/:group_id/members", deps.Members.AddMembers)
			groups.GET("/:group_id/members", deps.Members.ListMembers)
			groups.PATCH("/:group_id/members/:user_id", deps.Members.ChangeRole)
			groups.DELETE("/:group_id/members/:user_id", deps.Members.RemoveMember)

			groups.POST("/:group_id/notification-configs", deps.Configs.CreateConfig)
			groups.GET("/:group_id/notification-configs", deps.Configs.ListConfigs)
		}

		servers := api.Group("/servers", authRequired)
		{
			servers.POST("", deps.Servers.CreateServer)
			servers.GET("", deps.Servers.ListServers)
			servers.GET("/:server_id", deps.Servers.GetServer)
			servers.PUT("/:server_id", deps.Servers.UpdateServer)
			servers.DELETE("/:server_id", deps.Servers.DeleteServer)

			servers.POST("/:server_id/probes", deps.Probes.CreateProbe)
			servers.GET("/:server_id/probes", deps.Probes.ListProbes)
		}

		probes := api.Group("/probes", authRequired)
		{
			probes.GET("/:probe_id", deps.Probes.GetProbe)
			probes.PUT("/:probe_id", deps.Probes.UpdateProbe)
			probes.DELETE("/:probe_id", deps.Probes.DeleteProbe)
			probes.GET("/:probe_id/alerts", deps.Probes.ListAlerts)
		}

		configs := api.Group("/notification-configs", authRequired)
		{
			configs.GET("/:config_id", deps.Configs.GetConfig)
			configs.PUT("/:config_id", deps.Configs.UpdateConfig)
			configs.DELETE("/:config_id", deps.Configs.DeleteConfig)
			configs.POST("/:config_id/test", deps.Configs.TestConfig)
			configs.GET("/:config_id/notifications", deps.Configs.ListNotifications)
		}

		notifications := api.Group("/notifications", authRequired)
		{
			notifications.POST("/send", deps.Notifications.SendNotification)
		}
	}

	return r
}
