// Package server implements the coursetree HTTP API
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nainya/coursetree/internal/logger"
	"github.com/nainya/coursetree/internal/metrics"
	"github.com/nainya/coursetree/pkg/course"
	"github.com/nainya/coursetree/pkg/section"
	"github.com/nainya/coursetree/pkg/stats"
	"github.com/nainya/coursetree/pkg/store"
	"github.com/nainya/coursetree/pkg/tree"
	"github.com/nainya/coursetree/pkg/version"
)

// Config holds API server configuration
type Config struct {
	Port     int
	DBPath   string
	InMemory bool
}

// Server wires the tree engine behind the HTTP API
type Server struct {
	kv       *store.Store
	courses  *course.Store
	tree     *tree.Tree
	rollup   *stats.Aggregator
	versions *version.Store

	httpServer *http.Server
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// NewServer opens the database and assembles the engine components
func NewServer(cfg Config, log *logger.Logger, m *metrics.Metrics) (*Server, error) {
	var kv *store.Store
	var err error
	if cfg.InMemory {
		kv, err = store.OpenInMemory()
	} else {
		kv, err = store.Open(store.Config{Path: cfg.DBPath, SyncWrites: true})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	courses := course.NewStore(kv)
	rollup := stats.NewAggregator(kv, courses, *log.GetZerolog())
	rollup.OnRecompute = func(courseID string, err error) {
		m.RecordStatsRecompute(err)
	}

	s := &Server{
		kv:       kv,
		courses:  courses,
		tree:     tree.NewTree(kv, courses, rollup),
		rollup:   rollup,
		versions: version.NewStore(kv),
		log:      log,
		metrics:  m,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(MetricsMiddleware(m, log))
	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes(router *gin.Engine) {
	api := router.Group("/api")

	api.POST("/courses", s.createCourse)
	api.GET("/courses/:course", s.getCourse)
	api.GET("/courses/:course/stats", s.getStats)
	api.PUT("/courses/:course/structure", s.setStructure)
	api.PUT("/courses/:course/max-depth", s.setMaxDepth)
	api.GET("/courses/:course/search", s.search)

	api.POST("/courses/:course/sections", s.insertSection)
	api.GET("/courses/:course/sections", s.listChildren)
	api.GET("/courses/:course/sections/:section", s.getSection)
	api.GET("/courses/:course/sections/:section/subtree", s.getSubtree)
	api.GET("/courses/:course/sections/:section/ancestors", s.getAncestors)
	api.GET("/courses/:course/sections/:section/versions", s.listVersions)
	api.PUT("/courses/:course/sections/:section/content", s.updateContent)
	api.PUT("/courses/:course/sections/:section/order", s.reorderSection)
	api.DELETE("/courses/:course/sections/:section", s.deleteSection)
}

// Start begins serving the API
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the database
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.kv.Close()
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// writeError maps engine errors onto HTTP status codes. Invariant
// violations are client errors; only transient allocation conflicts invite
// a retry.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, course.ErrNotFound),
		errors.Is(err, tree.ErrSectionNotFound),
		errors.Is(err, tree.ErrParentNotFound),
		errors.Is(err, version.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, tree.ErrHasChildren),
		errors.Is(err, course.ErrStructureViolation),
		errors.Is(err, tree.ErrPathConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, tree.ErrDepthExceeded),
		errors.Is(err, course.ErrInvalidDepth),
		errors.Is(err, tree.ErrInvalidFormat):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, tree.ErrTransientConflict), errors.Is(err, store.ErrConflict):
		s.metrics.AllocConflictsTotal.Inc()
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	default:
		s.log.Error("Request failed").Err(err).Send()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ========== Course operations ==========

type createCourseRequest struct {
	OwnerID  string `json:"owner_id" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Settings struct {
		Structure       string `json:"structure"`
		MaxNestingDepth int    `json:"max_nesting_depth"`
	} `json:"settings"`
}

func (s *Server) createCourse(c *gin.Context) {
	var req createCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings := course.Settings{
		Structure:       course.Structure(req.Settings.Structure),
		MaxNestingDepth: req.Settings.MaxNestingDepth,
	}
	created, err := s.courses.Create(c.Request.Context(), req.OwnerID, req.Title, settings)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getCourse(c *gin.Context) {
	got, err := s.courses.Get(c.Request.Context(), c.Param("course"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

func (s *Server) getStats(c *gin.Context) {
	st, err := s.rollup.StatsFor(c.Request.Context(), c.Param("course"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) setStructure(c *gin.Context) {
	var req struct {
		Structure string `json:"structure" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := s.courses.SetStructure(c.Request.Context(), c.Param("course"), course.Structure(req.Structure))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) setMaxDepth(c *gin.Context) {
	var req struct {
		MaxNestingDepth int `json:"max_nesting_depth" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := s.courses.SetMaxNestingDepth(c.Request.Context(), c.Param("course"), req.MaxNestingDepth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}

	s.metrics.SearchQueriesTotal.Inc()
	results, err := s.tree.Search(c.Request.Context(), c.Param("course"), query, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.SearchResultsTotal.Add(float64(len(results)))
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// ========== Section operations ==========

type insertSectionRequest struct {
	ParentID string `json:"parent_id"`
	Title    string `json:"title" binding:"required"`
}

func (s *Server) insertSection(c *gin.Context) {
	var req insertSectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sec, err := s.tree.Insert(c.Request.Context(), c.Param("course"), req.ParentID, req.Title)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.SectionInsertsTotal.Inc()
	c.JSON(http.StatusCreated, sec)
}

func (s *Server) listChildren(c *gin.Context) {
	children, err := s.tree.Children(c.Request.Context(), c.Param("course"), c.Query("parent"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sections": children, "count": len(children)})
}

func (s *Server) getSection(c *gin.Context) {
	sec, err := s.tree.Get(c.Request.Context(), c.Param("course"), c.Param("section"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sec)
}

func (s *Server) getSubtree(c *gin.Context) {
	s.metrics.SubtreeQueriesTotal.Inc()
	sections, err := s.tree.ListSubtree(c.Request.Context(), c.Param("course"), c.Param("section"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sections": sections, "count": len(sections)})
}

func (s *Server) getAncestors(c *gin.Context) {
	chain, err := s.tree.Ancestors(c.Request.Context(), c.Param("course"), c.Param("section"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sections": chain, "count": len(chain)})
}

func (s *Server) listVersions(c *gin.Context) {
	ctx := c.Request.Context()
	courseID, sectionID := c.Param("course"), c.Param("section")

	s.metrics.VersionQueriesTotal.Inc()

	// ?as_of=RFC3339 switches to a point-in-time lookup.
	if asOf := c.Query("as_of"); asOf != "" {
		at, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC3339"})
			return
		}
		s.metrics.TemporalLookupsTotal.Inc()
		snap, err := s.versions.AsOf(ctx, courseID, sectionID, at)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	snaps, err := s.versions.List(ctx, courseID, sectionID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": snaps, "count": len(snaps)})
}

type updateContentRequest struct {
	Format  string `json:"format" binding:"required"`
	Text    string `json:"text"`
	Promote bool   `json:"promote"`
}

func (s *Server) updateContent(c *gin.Context) {
	var req updateContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	editorID := c.GetHeader("X-Editor-ID")
	sec, err := s.tree.UpdateContent(c.Request.Context(), c.Param("course"), c.Param("section"),
		section.Format(req.Format), req.Text, req.Promote, editorID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.ContentUpdatesTotal.Inc()
	c.JSON(http.StatusOK, sec)
}

func (s *Server) reorderSection(c *gin.Context) {
	var req struct {
		Order *int `json:"order" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sec, err := s.tree.Reorder(c.Request.Context(), c.Param("course"), c.Param("section"), *req.Order)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sec)
}

func (s *Server) deleteSection(c *gin.Context) {
	ctx := c.Request.Context()
	courseID, sectionID := c.Param("course"), c.Param("section")

	var err error
	if c.Query("cascade") == "true" {
		err = s.tree.DeleteSubtree(ctx, courseID, sectionID)
	} else {
		err = s.tree.Delete(ctx, courseID, sectionID)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.SectionDeletesTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"deleted": sectionID})
}
