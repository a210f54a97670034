package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/journal"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/master"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/types"
)

// Coordinator is the slice of the master coordinator the API drives
type Coordinator interface {
	Initiate(req master.InitiateRequest, user string) (*types.MasterAction, error)
	GetStatus(id string) (*master.StatusView, error)
	RequestCancel(id, by string) master.CancelResponse
	ActiveAction() (*types.MasterAction, bool)
}

// JournalReader serves the archive and change listings
type JournalReader interface {
	ListArchivedActions(limit int) ([]journal.ActionSummary, error)
	ListChanges(filter journal.ChangeFilter) ([]types.SystemChangeRecord, int, error)
}

// Fleet exposes node health and expected-manifest seeding
type Fleet interface {
	Snapshot() []*types.NodeState
	SeedExpected(names []string)
}

// Inventory is the expected-node manifest store
type Inventory interface {
	List() ([]types.ExpectedNode, error)
	ReplaceAll(nodes []types.ExpectedNode) error
}

// Broker hands out event subscriptions for the /events stream
type Broker interface {
	Subscribe() events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// Deps bundles everything the REST surface talks to. AgentHub, when set,
// is mounted at /agents/connect so the whole control plane shares one
// listener.
type Deps struct {
	Coordinator Coordinator
	Journal     JournalReader
	Fleet       Fleet
	Inventory   Inventory
	Broker      Broker
	AgentHub    http.Handler
}

// Server is the HTTP control surface: the versioned REST API, the UI event
// stream, the agent hub mount, health and metrics.
type Server struct {
	logger zerolog.Logger
	deps   Deps
	engine *gin.Engine
}

// New builds the engine with its middleware and routes
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		logger: log.WithComponent("api"),
		deps:   deps,
		engine: engine,
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true

	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	engine.Use(cors.New(corsConfig))

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/operations", s.initiateOperation)
		v1.GET("/operations", s.listOperations)
		v1.GET("/operations/:id", s.getOperation)
		v1.POST("/operations/:id/cancel", s.cancelOperation)
		v1.GET("/journal", s.listJournal)
		v1.GET("/nodes", s.listNodes)
		v1.PUT("/nodes/expected", s.replaceExpectedNodes)
		v1.GET("/events", s.streamEvents)
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/readyz", gin.WrapH(metrics.ReadyHandler()))
	engine.GET("/livez", gin.WrapH(metrics.LivenessHandler()))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.AgentHub != nil {
		engine.GET("/agents/connect", gin.WrapH(deps.AgentHub))
	}

	return s
}

// Handler returns the root http.Handler for the combined surface
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLogger is the request-scoped zerolog middleware
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		// The event stream and agent hub hold their connection open;
		// logging their duration on close is noise.
		if c.IsWebsocket() {
			return
		}
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", timer.Duration()).
			Msg("request")
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// caller resolves the acting user for audit fields
func caller(c *gin.Context) string {
	if user := c.GetHeader("X-Initiated-By"); user != "" {
		return user
	}
	return "api"
}
