package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"

	"github.com/kestrelhq/fleetbackup/internal/activity"
	"github.com/kestrelhq/fleetbackup/internal/auth"
	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/objectstore"
	"github.com/kestrelhq/fleetbackup/internal/progress"
	"github.com/kestrelhq/fleetbackup/internal/quota"
	"github.com/kestrelhq/fleetbackup/internal/reconcile"
	"github.com/kestrelhq/fleetbackup/internal/security"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// pendingKeyCache hands a node's plaintext API key to exactly one
// /nodes/status/code/{code} poll after approval; the key is never
// persisted or redisplayed after that.
type pendingKeyCache struct {
	mu   sync.Mutex
	keys map[int64]string
}

func newPendingKeyCache() *pendingKeyCache {
	return &pendingKeyCache{keys: make(map[int64]string)}
}

func (c *pendingKeyCache) put(nodeID int64, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[nodeID] = key
}

// takeOnce returns and deletes the cached key, so a second poll never
// observes it again.
func (c *pendingKeyCache) takeOnce(nodeID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[nodeID]
	if ok {
		delete(c.keys, nodeID)
	}
	return key, ok
}

// Server wires every domain package into chi handlers. It holds no
// business logic of its own beyond request decoding, RBAC gating, and
// response encoding — every decision belongs to the package it delegates
// to.
type Server struct {
	router chi.Router

	db *sqlx.DB

	nodes            *master.NodeRepository
	sites            *master.SiteRepository
	backups          *master.BackupRepository
	storageProviders *master.StorageProviderRepository
	users            *master.UserRepository
	assignments      *master.AssignmentRepository

	authManager *auth.Manager
	rbac        *auth.RBAC
	activities  *activity.Recorder

	progressStore *progress.Store
	broker        *progress.Broker
	quotaChecker  *quota.Checker
	reconciler    *reconcile.Reconciler
	objectStore   *objectstore.Store
	keyring       *security.KeyRing

	pendingKeys *pendingKeyCache
	logTail     *log.RingBuffer

	corsOrigins []string
}

// Deps collects every dependency NewServer wires into handlers, so
// cmd/master's main can assemble them independently of routing.
type Deps struct {
	DB               *sqlx.DB
	Nodes            *master.NodeRepository
	Sites            *master.SiteRepository
	Backups          *master.BackupRepository
	StorageProviders *master.StorageProviderRepository
	Users            *master.UserRepository
	Assignments      *master.AssignmentRepository
	AuthManager      *auth.Manager
	RBAC             *auth.RBAC
	Activities       *activity.Recorder
	ProgressStore    *progress.Store
	Broker           *progress.Broker
	QuotaChecker     *quota.Checker
	Reconciler       *reconcile.Reconciler
	ObjectStore      *objectstore.Store
	KeyRing          *security.KeyRing
	LogTail          *log.RingBuffer
	CORSOrigins      []string
}

// NewServer builds the chi router and registers every route.
func NewServer(d Deps) *Server {
	s := &Server{
		db:               d.DB,
		nodes:            d.Nodes,
		sites:            d.Sites,
		backups:          d.Backups,
		storageProviders: d.StorageProviders,
		users:            d.Users,
		assignments:      d.Assignments,
		authManager:      d.AuthManager,
		rbac:             d.RBAC,
		activities:       d.Activities,
		progressStore:    d.ProgressStore,
		broker:           d.Broker,
		quotaChecker:     d.QuotaChecker,
		reconciler:       d.Reconciler,
		objectStore:      d.ObjectStore,
		keyring:          d.KeyRing,
		pendingKeys:      newPendingKeyCache(),
		logTail:          d.LogTail,
		corsOrigins:      d.CORSOrigins,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-KEY"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/mfa/verify", s.handleMFAVerify)

	r.Post("/nodes/join-request", s.handleNodeJoinRequest)
	r.Get("/nodes/status/code/{code}", s.handleNodeJoinStatus)

	r.Group(func(daemon chi.Router) {
		daemon.Use(s.apiKeyAuth)
		daemon.Get("/nodes/sites", s.handleListSitesForNode)
		daemon.Get("/nodes/storage-config", s.handleStorageConfigForNode)
		daemon.Get("/sites/{siteID}/quota/check", s.handleQuotaCheck)
		daemon.Post("/sites/{siteID}/backup/start", s.handleBackupStart)
		daemon.Post("/daemon/backup/progress/{siteID}", s.handleProgressReport)
	})

	r.Group(func(admin chi.Router) {
		admin.Use(s.bearerAuth)

		admin.Get("/sites/{siteID}/backup/status", s.handleBackupStatus)
		admin.Get("/daemon/backup/stream/{siteID}", s.handleBackupStreamSSE)

		admin.Group(func(write chi.Router) {
			write.Use(requireRole(types.RoleSuperAdmin, types.RoleNodeAdmin, types.RoleSiteAdmin))
			write.Post("/sites/{siteID}/backup/stop", s.handleBackupStop)
		})

		admin.Group(func(ops chi.Router) {
			ops.Use(requireRole(types.RoleSuperAdmin, types.RoleNodeAdmin))
			ops.Post("/daemon/backup/reset/{siteID}", s.handleBackupReset)
			ops.Put("/sites/{siteID}/quota", s.handleSetSiteQuota)
			ops.Post("/nodes/approve/{nodeID}", s.handleApproveNode)
			ops.Post("/nodes/block/{nodeID}", s.handleBlockNode)
		})

		admin.Group(func(superAdmin chi.Router) {
			superAdmin.Use(requireRole(types.RoleSuperAdmin))
			superAdmin.Post("/storage/reconcile", s.handleStorageReconcile)
			superAdmin.Get("/admin/logs/tail", s.handleLogsTail)
		})
	})

	s.router = r
}

// requestLogger logs one structured line per request, in the same style
// every other component logs through.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Msg("request handled")
	})
}
