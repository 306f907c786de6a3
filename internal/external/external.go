// Package external implements the alternate external execution mode:
// remote runners register over HTTP and stream framed wire messages back
// over a per-runner websocket, reusing the exact codec of internal/wire and
// feeding every decoded frame into the same coordinator.Dispatch entry
// point local sandboxes use. This is a minimal relay, not a scaled-out
// control plane.
package external

import (
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cklxx-labs/parallex/internal/coordinator"
	"github.com/cklxx-labs/parallex/internal/wire"
	"github.com/cklxx-labs/parallex/internal/xlog"
)

// Server is the coordinator-side HTTP/websocket listener remote runners
// register against.
type Server struct {
	engine *gin.Engine
	coord  *coordinator.Coordinator
	log    xlog.Logger

	upgrader websocket.Upgrader

	allowed map[string]struct{} // non-nil means registration names are restricted to this set (the testRunners config)

	mu          sync.Mutex
	runners     map[string]*runnerConn
	runnerNames map[string]string // wire runnerId (14-char) -> human name
}

// Option customizes a Server.
type Option func(*Server)

// WithAllowedRunners restricts registration to the given runner names (the
// `testRunners` config option). An empty/nil list leaves registration
// unrestricted.
func WithAllowedRunners(names []string) Option {
	return func(s *Server) {
		if len(names) == 0 {
			return
		}
		s.allowed = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.allowed[n] = struct{}{}
		}
	}
}

type runnerConn struct {
	registrationID string
	name           string
	conn           *websocket.Conn
	writeMu        sync.Mutex
}

// New builds a Server. allowedOrigins configures CORS for the registration
// endpoint; an empty list allows no cross-origin callers.
func New(coord *coordinator.Coordinator, allowedOrigins []string, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:      gin.New(),
		coord:       coord,
		log:         xlog.NewComponentLogger("external"),
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		runners:     make(map[string]*runnerConn),
		runnerNames: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerRoutes(allowedOrigins)
	return s
}

func (s *Server) registerRoutes(allowedOrigins []string) {
	s.engine.Use(gin.Recovery())
	corsCfg := cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: false,
	}
	if len(allowedOrigins) == 0 {
		// cors.New rejects a config naming no origins at all, so an empty
		// list is expressed as a predicate that refuses every origin.
		corsCfg.AllowOriginFunc = func(string) bool { return false }
	}
	s.engine.Use(cors.New(corsCfg))
	s.engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	s.engine.POST("/runners/register", s.handleRegister)
	s.engine.GET("/runners/:id/stream", s.handleStream)
}

// Handler returns the HTTP handler to serve (mounted by the CLI under
// --external-listen).
func (s *Server) Handler() http.Handler { return s.engine }

type registerRequest struct {
	Name string `json:"name"`
}

type registerResponse struct {
	RegistrationID string `json:"registrationId"`
	StreamPath     string `json:"streamPath"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	_ = c.ShouldBindJSON(&req) // name is optional; an empty one just means "unnamed runner"

	if s.allowed != nil {
		if _, ok := s.allowed[req.Name]; !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "runner name not permitted"})
			return
		}
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.runners[id] = &runnerConn{registrationID: id, name: req.Name}
	s.mu.Unlock()

	c.JSON(http.StatusOK, registerResponse{RegistrationID: id, StreamPath: "/runners/" + id + "/stream"})
}

// handleStream upgrades to a websocket and relays every frame the remote
// runner sends straight into coordinator.Dispatch, the identical entry
// point a local sandbox's dispatch(buf) callback uses.
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	rc, ok := s.runners[id]
	s.mu.Unlock()
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("upgrade registration %s: %v", id, err)
		return
	}
	rc.conn = conn
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.runners, id)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.recordRunnerName(data, rc.name)
		if dispatchErr := s.coord.Dispatch(data); dispatchErr != nil {
			s.log.Error("dispatch frame from registration %s: %v", id, dispatchErr)
		}
	}
}

// recordRunnerName captures the wire-protocol runnerId a remote runner's
// frames carry (a different, 14-char namespace from its HTTP registration
// id — see DESIGN.md) and associates it with the human name it registered
// with, so reporter.WithRunnerNames can resolve it later.
func (s *Server) recordRunnerName(data []byte, name string) {
	if name == "" {
		return
	}
	frame, err := wire.Decode(data)
	if err != nil || frame.Header.RunnerID == "" {
		return
	}
	s.mu.Lock()
	s.runnerNames[frame.Header.RunnerID] = name
	s.mu.Unlock()
}

// LookupRunnerName implements reporter.RunnerNameLookup against the names
// this server has learned from registered runners' frames.
func (s *Server) LookupRunnerName(wireRunnerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.runnerNames[wireRunnerID]; ok {
		return name
	}
	return wireRunnerID
}

// Send pushes raw bytes to a registered runner's websocket, the inverse
// direction, used when a remote runner needs coordinator-originated control
// frames.
func (s *Server) Send(registrationID string, data []byte) error {
	s.mu.Lock()
	rc, ok := s.runners[registrationID]
	s.mu.Unlock()
	if !ok || rc.conn == nil {
		return http.ErrNoLocation
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.WriteMessage(websocket.BinaryMessage, data)
}
