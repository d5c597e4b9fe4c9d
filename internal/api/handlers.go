package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"devsuite/internal/auth"
	"devsuite/internal/chat"
	"devsuite/internal/redis"
	"devsuite/internal/service/account"
	"devsuite/internal/service/generation"
	"devsuite/internal/service/project"
	"devsuite/internal/service/sandbox"
	"devsuite/internal/worker"
)

// Generator produces project content for a prompt.
type Generator interface {
	Generate(ctx context.Context, userID int64, projectID, prompt string) (*generation.Result, error)
}

// Executor runs a program on the code-execution service.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// Workers is the generation worker pool as seen by the HTTP layer.
type Workers interface {
	Stats() worker.Stats
	CancelUser(userID int64) int
}

// Deps are the services the HTTP layer talks to. Redis, Hub, Sandbox and
// Workers may be nil.
type Deps struct {
	DB        *sql.DB
	Redis     *redis.Client
	Auth      *auth.Service
	Accounts  *account.Service
	Projects  *project.Store
	Generator Generator
	Rooms     *chat.Store
	Hub       *chat.Hub
	Sandbox   Executor
	Workers   Workers

	AllowedOrigins []string
	GenerateLimit  RateLimit
	ExecuteLimit   RateLimit
}

// Handler wires HTTP routes to the account, project, generation, chat and
// execution services.
type Handler struct {
	db        *sql.DB
	rdb       *redis.Client
	auth      *auth.Service
	accounts  *account.Service
	projects  *project.Store
	generator Generator
	rooms     *chat.Store
	hub       *chat.Hub
	sandbox   Executor
	workers   Workers

	origins        []string
	generateLimits *userLimiter
	executeLimits  *userLimiter
	upgrader       websocket.Upgrader
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		db:             d.DB,
		rdb:            d.Redis,
		auth:           d.Auth,
		accounts:       d.Accounts,
		projects:       d.Projects,
		generator:      d.Generator,
		rooms:          d.Rooms,
		hub:            d.Hub,
		sandbox:        d.Sandbox,
		workers:        d.Workers,
		origins:        d.AllowedOrigins,
		generateLimits: newUserLimiter(d.GenerateLimit),
		executeLimits:  newUserLimiter(d.ExecuteLimit),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Router builds a gin engine with the middleware stack and every route.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), corsMiddleware(h.origins))
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)

	authMW := h.auth.Middleware()
	csrfMW := h.auth.CSRFMiddleware()
	generateLimit := h.generateLimits.middleware()
	router.POST("/create", authMW, csrfMW, generateLimit, h.generateProject)

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.GET("/profiles/:username", h.publicProfile)

	authed := api.Group("")
	authed.Use(authMW, csrfMW)
	authed.POST("/users/logout", h.logoutUser)
	authed.GET("/users/me", h.me)
	authed.PATCH("/users/me", h.updateMe)
	authed.DELETE("/users/me", h.deleteMe)

	authed.GET("/projects", h.listProjects)
	authed.POST("/projects/generate", generateLimit, h.generateProject)
	authed.GET("/projects/:id", h.getProject)
	authed.GET("/projects/:id/prompts", h.projectPrompts)
	authed.PATCH("/projects/:id", h.updateProject)
	authed.DELETE("/projects/:id", h.deleteProject)

	authed.POST("/rooms", h.createRoom)
	authed.GET("/rooms", h.listRooms)
	authed.POST("/rooms/:id/join", h.joinRoom)
	authed.POST("/rooms/:id/leave", h.leaveRoom)
	authed.GET("/rooms/:id/messages", h.roomMessages)

	authed.POST("/execute", h.executeLimits.middleware(), h.execute)

	router.GET("/ws/rooms/:id", h.auth.WebSocketMiddleware(), h.roomSocket)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	dbState := "ok"
	if err := h.db.PingContext(ctx); err != nil {
		dbState = err.Error()
		status, code = "degraded", http.StatusServiceUnavailable
	}
	redisState := "disabled"
	if h.rdb != nil {
		redisState = "ok"
		if err := h.rdb.Ping(ctx); err != nil {
			redisState = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	body := gin.H{"status": status, "db": dbState, "redis": redisState}
	if h.workers != nil {
		body["workers"] = h.workers.Stats()
	}
	c.JSON(code, body)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
