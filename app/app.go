package converse

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/kartikbhuyar/converse/core"
	"github.com/kartikbhuyar/converse/pkg/router"
)

type App struct {
	config      *Config
	db          *core.SQLiteDB
	context     context.Context
	server      *http.Server
	logger      *slog.Logger
	router      *router.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	registry    *core.Registry
	rooms       *core.RoomRouter
	presence    *core.PresenceNotifier
	messages    *core.MessageService
	groups      *core.GroupService
	verifier    *TokenVerifier

	exit chan int

	userStore     core.UserStore
	chatStore     core.ChatStore
	messageStore  core.MessageStore
	presenceStore core.PresenceStore

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config) *App {
	var err error
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	app.db, err = core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.userStore = core.NewSQLiteUserStore(app.db.DB)
	app.chatStore = core.NewSQLiteChatStore(app.db.DB, app.userStore)
	app.messageStore = core.NewSQLiteMessageStore(app.db.DB)

	switch app.config.Presence.Backend {
	case PresenceRedis:
		client := redis.NewClient(&redis.Options{Addr: app.config.Presence.RedisAddr})
		app.AddCleanupFunc(func(ctx context.Context) {
			client.Close()
		})
		app.presenceStore = core.NewRedisPresenceStore(client)
	default:
		app.presenceStore = core.NewSQLitePresenceStore(app.db.DB)
	}

	app.registry = core.NewRegistry()
	app.wsManager = core.NewConnManager(app.context, &app.wg, app.logger)
	app.wsManager.OnConnectionClosed(app.onConnectionClosed)
	app.rooms = core.NewRoomRouter(app.registry, app.wsManager)

	app.presence = core.NewPresenceNotifier(app.presenceStore, app.chatStore, app.rooms, app.logger)
	app.messages = core.NewMessageService(app.messageStore, app.chatStore, app.registry, app.rooms, app.logger)
	app.groups = core.NewGroupService(app.chatStore, app.userStore, app.presenceStore, app.messages, app.registry, app.rooms, app.logger)

	app.eventRouter = core.NewEventRouter(app.context, app.logger, app.wsManager.Receive(), app.wsManager)
	app.eventRouter.On(IdentifyEvent, app.IdentifyHandler)
	app.eventRouter.On(CreateChatEvent, app.CreateChatHandler)
	app.eventRouter.On(core.MessageEvent, app.MessageHandler)
	app.eventRouter.On(MessageDeleteEvent, app.MessageDeleteHandler)
	app.eventRouter.On(MessagesReadEvent, app.MessagesReadHandler)
	app.eventRouter.On(JoinUserGroupEvent, app.JoinUserGroupHandler)
	app.eventRouter.On(LeaveUserGroupEvent, app.LeaveUserGroupHandler)
	app.eventRouter.On(EditGroupRequestEvent, app.EditGroupHandler)
	app.eventRouter.On(DeleteChatRequestEvent, app.DeleteChatHandler)
	app.eventRouter.On(core.UserTypingEvent, app.UserTypingHandler)
	app.eventRouter.On(GetAllGroupChatsEvent, app.GetAllGroupChatsHandler)
	app.eventRouter.On(GetOnlineUsersEvent, app.GetOnlineUsersHandler)
	app.eventRouter.On(GetLastOnlineStatusEvent, app.GetLastOnlineStatusesHandler)
	app.eventRouter.On(GetAllMessagesOfChatEvent, app.GetAllMessagesOfChatHandler)
	app.eventRouter.On(SearchUsersEvent, app.SearchUsersHandler)

	app.verifier = NewTokenVerifier(app.config.Auth.Secret)

	app.router = router.New(router.WithLogger(app.logger))

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.Router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if app.verifier.Enabled() {
			if _, err := app.verifier.Verify(TokenFromRequest(r)); err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		if _, err := app.wsManager.Connect(w, r); err != nil {
			app.logger.Error(fmt.Sprintf("ws connect: %v", err))
		}
	})

	app.router.Router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Backend working..."))
	})

	api := router.New(router.WithLogger(app.logger))
	api.RegisterErrorMapper(core.ErrInvalidChat, chatNotFound)
	api.Get("/rooms", app.GetRoomsHandler)
	api.Get("/online-users", app.GetOnlineUsersHTTPHandler)
	api.Get("/chats/{chatID}", app.GetChatHandler)
	app.router.Mount("/api", api)

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router.Router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

func (app *App) Start() {
	app.eventRouter.Listen()
	app.AddCleanupFunc(func(ctx context.Context) {
		app.eventRouter.Close(ctx)
	})

	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		close(app.exit)
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		var wg sync.WaitGroup

		for _, f := range app.cleanupFuncs {
			wg.Add(1)
			go func(f func(context.Context)) {
				defer wg.Done()
				f(closeCtx)
			}(f)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
		}
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("app running on: %s:%d", app.config.Hostname, app.config.Port))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	<-app.exit
	os.Exit(0)
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
