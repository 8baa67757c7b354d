// Package admin serves the node's HTTP status API.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/crdt"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/health"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/mesh"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/router"
)

type HealthSource interface {
	Snapshot() map[channel.Kind]health.ChannelHealth
}

type PeerSource interface {
	List() []channel.Peer
}

type MeshSource interface {
	Local() string
	Peers() []mesh.PeerInfo
	Routes() []router.Route
	Stats() mesh.Stats
}

// Sources are the components the API reads. Nil sources answer 404.
type Sources struct {
	Health    HealthSource
	Peers     PeerSource
	Mesh      MeshSource
	Documents *crdt.Engine
	Metrics   http.Handler
}

type Server struct {
	e   *echo.Echo
	src Sources
	log *zap.Logger
}

func New(src Sources, log *zap.Logger) *Server {
	if log == nil {
		log = zap.L()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{e: e, src: src, log: log.Named("admin")}
	e.Use(s.accessLog)

	e.GET("/healthz", s.healthz)
	if src.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(src.Metrics))
	}
	api := e.Group("/api")
	api.GET("/channels", s.channels)
	api.GET("/peers", s.peers)

	m := api.Group("/mesh")
	m.GET("/peers", s.meshPeers)
	m.GET("/routes", s.meshRoutes)
	m.GET("/stats", s.meshStats)

	docs := api.Group("/documents")
	docs.GET("/:id", s.document)
	docs.GET("/:id/conflicts", s.conflicts)
	docs.POST("/:id/resolve", s.resolve)
	return s
}

func (s *Server) Handler() http.Handler { return s.e }

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() { errc <- s.e.Start(addr) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.e.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.log.Debug("request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.RealIP()),
		)
		return nil
	}
}

func (s *Server) healthz(c echo.Context) error {
	resp := map[string]any{"status": "ok"}
	if s.src.Mesh != nil {
		resp["node"] = s.src.Mesh.Local()
		resp["mesh_peers"] = len(s.src.Mesh.Peers())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) channels(c echo.Context) error {
	if s.src.Health == nil {
		return echo.ErrNotFound
	}
	snap := s.src.Health.Snapshot()
	out := make([]health.ChannelHealth, 0, len(snap))
	for _, h := range snap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return c.JSON(http.StatusOK, out)
}

func (s *Server) peers(c echo.Context) error {
	if s.src.Peers == nil {
		return echo.ErrNotFound
	}
	return c.JSON(http.StatusOK, s.src.Peers.List())
}

func (s *Server) meshPeers(c echo.Context) error {
	if s.src.Mesh == nil {
		return echo.ErrNotFound
	}
	return c.JSON(http.StatusOK, s.src.Mesh.Peers())
}

func (s *Server) meshRoutes(c echo.Context) error {
	if s.src.Mesh == nil {
		return echo.ErrNotFound
	}
	return c.JSON(http.StatusOK, s.src.Mesh.Routes())
}

func (s *Server) meshStats(c echo.Context) error {
	if s.src.Mesh == nil {
		return echo.ErrNotFound
	}
	return c.JSON(http.StatusOK, s.src.Mesh.Stats())
}

func (s *Server) docs(c echo.Context) (*crdt.Engine, string, error) {
	if s.src.Documents == nil {
		return nil, "", echo.ErrNotFound
	}
	id := c.Param("id")
	if _, err := s.src.Documents.Info(id); err != nil {
		return nil, "", echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return s.src.Documents, id, nil
}

func (s *Server) document(c echo.Context) error {
	d, id, err := s.docs(c)
	if err != nil {
		return err
	}
	st, err := d.Materialize(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, b)
}

func (s *Server) conflicts(c echo.Context) error {
	d, id, err := s.docs(c)
	if err != nil {
		return err
	}
	out := d.Conflicts(id)
	if out == nil {
		out = []crdt.Conflict{}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) resolve(c echo.Context) error {
	d, id, err := s.docs(c)
	if err != nil {
		return err
	}
	res := d.ResolveConflicts(id)
	if res == nil {
		res = []crdt.Resolution{}
	}
	s.log.Info("conflicts resolved", zap.String("doc", id), zap.Int("paths", len(res)))
	return c.JSON(http.StatusOK, res)
}
