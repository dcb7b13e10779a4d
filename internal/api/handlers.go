package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ledgerstack/resilience/internal/buildinfo"
	"github.com/ledgerstack/resilience/internal/immunity"
	"github.com/ledgerstack/resilience/internal/smartlog"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	if err := s.immunity.VerifyWiring(); err != nil {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "version": buildinfo.Version})
}

// errorReport is the wire form of a client-reported error.
type errorReport struct {
	Message     string                 `json:"message" binding:"required"`
	ComponentID string                 `json:"component_id"`
	Route       string                 `json:"route"`
	UserID      string                 `json:"user_id"`
	SessionID   string                 `json:"session_id"`
	UserAgent   string                 `json:"user_agent"`
	StackTrace  string                 `json:"stack_trace"`
	Additional  map[string]interface{} `json:"additional"`
}

// handleReportError feeds a client error into the immunity engine. The
// response is always 202: healing happens asynchronously from the client's
// point of view and never fails toward it.
func (s *Server) handleReportError(c *gin.Context) {
	var report errorReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ectx := s.immunity.NewContext(report.ComponentID, report.Route)
	ectx.UserID = report.UserID
	ectx.SessionID = report.SessionID
	ectx.UserAgent = report.UserAgent
	ectx.StackTrace = report.StackTrace
	ectx.Additional = report.Additional

	s.immunity.HandleError(c.Request.Context(), errors.New(report.Message), ectx)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleImmunityReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.immunity.Report())
}

func (s *Server) handleImmunityHistory(c *gin.Context) {
	history := s.immunity.History()

	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "0")); err == nil && limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "count": len(history)})
}

func (s *Server) handleListStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.immunity.Strategies()})
}

func (s *Server) handleAddStrategy(c *gin.Context) {
	var strategy immunity.Strategy
	if err := c.ShouldBindJSON(&strategy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.immunity.AddStrategy(strategy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": strategy.ID})
}

func (s *Server) handleRemoveStrategy(c *gin.Context) {
	s.immunity.RemoveStrategy(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// logIngest is the wire form of a client log entry.
type logIngest struct {
	Level     string                 `json:"level" binding:"required"`
	Message   string                 `json:"message" binding:"required"`
	Category  string                 `json:"category"`
	UserAgent string                 `json:"user_agent"`
	URL       string                 `json:"url"`
	Referrer  string                 `json:"referrer"`
	Context   map[string]interface{} `json:"context"`
}

func (s *Server) handleIngestLog(c *gin.Context) {
	var in logIngest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	level := smartlog.Level(in.Level)
	switch level {
	case smartlog.LevelDebug, smartlog.LevelInfo, smartlog.LevelWarn, smartlog.LevelError, smartlog.LevelFatal:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level " + in.Level})
		return
	}

	// Client metadata travels through the entry context; the engine lifts it
	// into Entry.Metadata. The transport user-agent fills in when the client
	// does not report its own.
	if in.UserAgent == "" {
		in.UserAgent = c.Request.UserAgent()
	}
	if in.UserAgent != "" || in.URL != "" || in.Referrer != "" {
		if in.Context == nil {
			in.Context = make(map[string]interface{}, 3)
		}
		if in.UserAgent != "" {
			in.Context["user_agent"] = in.UserAgent
		}
		if in.URL != "" {
			in.Context["url"] = in.URL
		}
		if in.Referrer != "" {
			in.Context["referrer"] = in.Referrer
		}
	}

	s.logs.Log(level, in.Message, in.Category, in.Context)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleQueryLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries := s.logs.Logs(
		smartlog.Level(c.Query("level")),
		c.Query("category"),
		limit,
	)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleLogReport(c *gin.Context) {
	period := time.Hour
	if raw := c.Query("period"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period: " + err.Error()})
			return
		}
		period = parsed
	}
	c.JSON(http.StatusOK, s.logs.Report(period))
}

func (s *Server) handleListAlerts(c *gin.Context) {
	alerts := s.logs.Alerts().Alerts()
	open, critical := s.logs.Alerts().OpenCount()
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "open": open, "critical": critical})
}

type alertActor struct {
	Actor string `json:"actor"`
}

func (s *Server) handleAckAlert(c *gin.Context) {
	var in alertActor
	_ = c.ShouldBindJSON(&in)
	if in.Actor == "" {
		in.Actor = "api"
	}

	if err := s.logs.Alerts().Acknowledge(c.Param("id"), in.Actor); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (s *Server) handleResolveAlert(c *gin.Context) {
	var in alertActor
	_ = c.ShouldBindJSON(&in)
	if in.Actor == "" {
		in.Actor = "api"
	}

	if err := s.logs.Alerts().Resolve(c.Param("id"), in.Actor); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

func (s *Server) handleUpdateImmunityConfig(c *gin.Context) {
	cfg := s.immunity.Config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.immunity.UpdateConfig(cfg)
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleUpdateSmartlogConfig(c *gin.Context) {
	cfg := s.logs.Config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logs.UpdateConfig(cfg)
	c.JSON(http.StatusOK, cfg)
}
