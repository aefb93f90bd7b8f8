package main

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/lookout-dev/lookout/db"
	"github.com/lookout-dev/lookout/internal/auth"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/channels"
	"github.com/lookout-dev/lookout/internal/config"
	"github.com/lookout-dev/lookout/internal/directory"
	"github.com/lookout-dev/lookout/internal/dispatch"
	"github.com/lookout-dev/lookout/internal/handlers"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/router"
	"github.com/lookout-dev/lookout/internal/scheduler"
	"github.com/lookout-dev/lookout/internal/tracker"
	"github.com/lookout-dev/lookout/internal/types"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, relying on the environment")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	if err := auth.InitJWTSecret(); err != nil {
		logrus.WithError(err).Fatal("failed to initialize JWT secret")
	}

	conn, err := db.Connect(os.Getenv("DATABASE_URL"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}

	if err := db.Migrate(conn); err != nil {
		logrus.WithError(err).Fatal("failed to run migrations")
	}

	if err := bootstrapSuperAdmin(conn); err != nil {
		logrus.WithError(err).Fatal("failed to bootstrap super admin")
	}

	dir := directory.New(conn)
	graph := ownership.NewGraph(conn)
	engine := authz.NewEngine(dir, graph)

	emailSender := channels.NewSMTPSender(cfg.SMTP)
	webhookPoster := channels.NewHTTPPoster()
	dispatcher := dispatch.NewEngine(conn, emailSender, webhookPoster, cfg.Dispatch)

	trk := tracker.New(conn, dispatcher)

	ws := handlers.NewWSHandler(engine)
	trk.Broadcast = ws.BroadcastRefresh

	sched := scheduler.New(conn, trk, cfg.Checks.DefaultTimeout)

	if err := sched.Start(); err != nil {
		logrus.WithError(err).Fatal("failed to start scheduler")
	}
	defer sched.Stop()

	r := router.New(router.Deps{
		DB:            conn,
		Auth:          &handlers.AuthHandler{DB: conn},
		Users:         &handlers.UserHandler{DB: conn},
		Groups:        &handlers.GroupHandler{DB: conn, Engine: engine, Directory: dir},
		Members:       &handlers.MemberHandler{DB: conn, Engine: engine, Directory: dir},
		Servers:       &handlers.ServerHandler{DB: conn, Engine: engine, Graph: graph},
		Probes:        &handlers.ProbeHandler{DB: conn, Engine: engine, Graph: graph, Scheduler: sched},
		Configs:       &handlers.NotificationConfigHandler{DB: conn, Engine: engine, Graph: graph, Dispatch: dispatcher},
		Notifications: &handlers.NotificationHandler{DB: conn, Engine: engine, Dispatch: dispatcher},
		Ingest:        &handlers.IngestHandler{Tracker: trk},
		WS:            ws,
	})

	port := cfg.Server.Port
	if env := os.Getenv("PORT"); env != "" {
		port = env
	}

	logrus.WithField("port", port).Info("starting server")

	if err := r.Run(":" + port); err != nil {
		logrus.WithError(err).Fatal("server exited")
	}
}

// bootstrapSuperAdmin ensures the super admin account from the environment
// exists. Without it a fresh deployment has no principal able to create
// groups or grant roles.
func bootstrapSuperAdmin(conn *gorm.DB) error {
	email := strings.ToLower(strings.TrimSpace(os.Getenv("SUPER_ADMIN_EMAIL")))
	password := os.Getenv("SUPER_ADMIN_PASSWORD")

	if email == "" || password == "" {
		return nil
	}

	var existing models.User

	err := conn.Where("email = ?", email).First(&existing).Error

	if err == nil {
		if existing.Role != types.RoleSuperAdmin {
			return conn.Model(&existing).Update("role", types.RoleSuperAdmin).Error
		}
		return nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	user := models.User{
		Name:         "Super Admin",
		Email:        email,
		PasswordHash: string(hash),
		Role:         types.RoleSuperAdmin,
	}

	if err := conn.Create(&user).Error; err != nil {
		return err
	}

	logrus.WithField("email", email).Info("super admin account created")
	return nil
}
