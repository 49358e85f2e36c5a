// Package broker implements the privileged broker: an HTTP API on a unix
// socket that performs permission mutations for clients holding its
// delegated permission.
package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

const (
	shutdownTimeout   = 5 * time.Second
	defaultMaxWait    = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Config configures a broker server.
type Config struct {
	SocketPath        string
	Version           string
	RequestsPerMinute float64
	RequestBurst      int
	MaxWait           time.Duration // bound on a long-polling request wait

	// AdminUIDs may list, approve and deny permission requests.
	// Empty means root and the broker's own uid.
	AdminUIDs []uint32
}

// Server is the broker REST server.
type Server struct {
	config    Config
	binding   domain.ServiceBinding
	grants    domain.GrantStore
	validator domain.ArgumentValidator
	requests  *requestQueue
	admins    map[uint32]bool
	resolve   peerResolver
	logger    *zap.Logger

	listener net.Listener
	serve    *http.Server
	router   *mux.Router
	tomb     tomb.Tomb
}

// A ResponseFunc handles one of the individual verbs for a method
type ResponseFunc func(*Command, *http.Request) Response

type accessLevel int

const (
	accessOpen    accessLevel = iota // any peer
	accessGranted                    // peers holding the delegated permission
	accessAdmin                      // Config.AdminUIDs
)

// A Command routes a request to an individual per-verb ResponseFunc
type Command struct {
	Path string

	GET  ResponseFunc
	POST ResponseFunc

	ReadAccess  accessLevel
	WriteAccess accessLevel

	s *Server
}

func (c *Command) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rspf ResponseFunc
	var access accessLevel

	switch r.Method {
	case http.MethodGet:
		rspf, access = c.GET, c.ReadAccess
	case http.MethodPost:
		rspf, access = c.POST, c.WriteAccess
	}

	if rspf == nil {
		MethodNotAllowed("method %q not allowed", r.Method).ServeHTTP(w, r)
		return
	}
	if rsp := c.s.checkAccess(r, access); rsp != nil {
		rsp.ServeHTTP(w, r)
		return
	}
	rspf(c, r).ServeHTTP(w, r)
}

type closeOnceListener struct {
	net.Listener

	idempotClose sync.Once
	closeErr     error
}

func (l *closeOnceListener) Close() error {
	l.idempotClose.Do(func() {
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}

// New creates a broker server over binding. Delegated permission
// decisions are read from and written to grants.
func New(
	config Config,
	binding domain.ServiceBinding,
	grants domain.GrantStore,
	validator domain.ArgumentValidator,
	logger *zap.Logger,
) *Server {
	if config.MaxWait <= 0 {
		config.MaxWait = defaultMaxWait
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 6
	}
	if len(config.AdminUIDs) == 0 {
		config.AdminUIDs = []uint32{0, uint32(os.Getuid())}
	}
	admins := make(map[uint32]bool, len(config.AdminUIDs))
	for _, uid := range config.AdminUIDs {
		admins[uid] = true
	}
	return &Server{
		config:    config,
		binding:   binding,
		grants:    grants,
		validator: validator,
		requests:  newRequestQueue(grants, config.RequestsPerMinute, config.RequestBurst),
		admins:    admins,
		resolve:   peerCredentials,
		logger:    logger,
	}
}

// Listen binds the configured socket path, replacing a stale socket file.
// Callers must make sure no live broker owns the path.
func (s *Server) Listen() error {
	path := s.config.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove stale socket %s: %w", path, err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("cannot listen on socket %s: %w", path, err)
	}
	// Clients run under other uids; access is checked per request.
	if err := os.Chmod(path, 0666); err != nil {
		l.Close()
		return fmt.Errorf("cannot chmod socket %s: %w", path, err)
	}

	s.Init(l)
	return nil
}

// Init prepares the server to serve on l.
func (s *Server) Init(l net.Listener) {
	s.listener = &closeOnceListener{Listener: l}
	s.addRoutes()
	s.serve = &http.Server{
		Handler:           s.router,
		ConnContext:       s.connContext,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (s *Server) addRoutes() {
	s.router = mux.NewRouter()
	for _, c := range restAPI {
		cmd := *c
		cmd.s = s
		s.router.Handle(cmd.Path, &cmd).Name(cmd.Path)
	}
	s.router.NotFoundHandler = NotFound("not found")
}

func (s *Server) connContext(ctx context.Context, conn net.Conn) context.Context {
	p, err := s.resolve(conn)
	if err != nil {
		s.logger.Warn("cannot resolve peer credentials", zap.Error(err))
		p = peer{pid: peerNoProcess, uid: peerNobody}
	}
	return withPeer(ctx, p)
}

func (s *Server) isAdmin(p peer) bool {
	return p.known() && s.admins[p.uid]
}

func (s *Server) isGranted(p peer) (bool, error) {
	if s.isAdmin(p) {
		return true, nil
	}
	if !p.known() {
		return false, nil
	}
	return s.grants.IsGranted(p.uid)
}

func (s *Server) checkAccess(r *http.Request, level accessLevel) Response {
	p := peerFromContext(r.Context())
	switch level {
	case accessOpen:
		return nil
	case accessAdmin:
		if s.isAdmin(p) {
			return nil
		}
		s.logger.Info("blocking admin request", zap.Stringer("peer", p), zap.String("path", r.URL.Path))
		return ErrorResponse(http.StatusForbidden, ErrorKindAdminRequired, nil, "admin access required")
	}

	granted, err := s.isGranted(p)
	if err != nil {
		return InternalError("cannot check permission: %v", err)
	}
	if !granted {
		s.logger.Info("blocking request without permission", zap.Stringer("peer", p), zap.String("path", r.URL.Path))
		return ErrorResponse(http.StatusForbidden, ErrorKindPermissionRequired, nil,
			"uid %d does not hold the broker permission", p.uid)
	}
	return nil
}

// Start serves until Stop is called.
func (s *Server) Start() {
	s.tomb.Go(s.runServer)
	s.tomb.Go(s.shutdownServerOnKill)
	s.logger.Info("broker listening", zap.String("addr", s.listener.Addr().String()))
}

func (s *Server) runServer() error {
	err := s.serve.Serve(s.listener)
	if err == http.ErrServerClosed {
		err = nil
	}
	if s.tomb.Err() == tomb.ErrStillAlive {
		return err
	}
	return nil
}

func (s *Server) shutdownServerOnKill() error {
	<-s.tomb.Dying()
	// Close the listener first so a Shutdown racing Serve cannot block.
	s.listener.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.serve.Shutdown(ctx)
}

// Stop performs a graceful shutdown and waits up to five seconds for it.
func (s *Server) Stop() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// Dying is closed when the server starts shutting down.
func (s *Server) Dying() <-chan struct{} {
	return s.tomb.Dying()
}

// Dead is closed once the server has stopped.
func (s *Server) Dead() <-chan struct{} {
	return s.tomb.Dead()
}

// Err returns the reason the server stopped, if any.
func (s *Server) Err() error {
	if err := s.tomb.Err(); err != tomb.ErrStillAlive {
		return err
	}
	return nil
}
