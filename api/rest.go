// Package api предоставляет REST сервер управления сагами.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akriventsev/conductor/saga"
)

// RESTConfig конфигурация REST сервера
type RESTConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

// DefaultRESTConfig возвращает конфигурацию REST сервера по умолчанию
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate проверяет конфигурацию REST сервера
func (c RESTConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return saga.NewError(saga.ErrInvalidConfig,
			fmt.Sprintf("invalid port: %d", c.Port))
	}
	return nil
}

// RESTServer HTTP поверхность оркестратора:
//
//	POST /saga/:name/start                   - запустить сагу (202)
//	GET  /saga/:name                         - список саг определения
//	GET  /saga/:name/:sagaId                 - снимок состояния саги
//	POST /saga/:name/:sagaId/cancel          - отменить сагу
//	POST /saga/:name/:sagaId/trigger/:phase  - принудительно запустить фазу
type RESTServer struct {
	config    RESTConfig
	router    *gin.Engine
	initiator *saga.Initiator
	logger    *slog.Logger
	server    *http.Server
	mu        sync.RWMutex
	running   bool
}

// NewRESTServer создает новый REST сервер
func NewRESTServer(config RESTConfig, initiator *saga.Initiator, logger *slog.Logger) (*RESTServer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &RESTServer{
		config:    config,
		router:    gin.New(),
		initiator: initiator,
		logger:    logger,
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s, nil
}

// Router возвращает gin router (для тестов)
func (s *RESTServer) Router() http.Handler {
	return s.router
}

// Start запускает сервер (реализация transport.Lifecycle)
func (s *RESTServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("rest server failed", "error", err)
		}
	}()

	s.running = true
	s.logger.Info("rest server started", "port", s.config.Port)
	return nil
}

// Stop останавливает сервер (реализация transport.Lifecycle)
func (s *RESTServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// IsRunning проверяет, запущен ли сервер (реализация transport.Lifecycle)
func (s *RESTServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *RESTServer) registerRoutes() {
	group := s.router.Group("/saga/:name")
	group.POST("/start", s.handleStart)
	group.GET("", s.handleList)
	group.GET("/:sagaId", s.handleGetStatus)
	group.POST("/:sagaId/cancel", s.handleCancel)
	group.POST("/:sagaId/trigger/:phase", s.handleTriggerPhase)
}

// handleStart принимает сагу в работу. 202: команда первой фазы в outbox,
// но фазы еще выполняются асинхронно.
func (s *RESTServer) handleStart(c *gin.Context) {
	var req saga.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.initiator.Start(c.Request.Context(), c.Param("name"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *RESTServer) handleList(c *gin.Context) {
	states, err := s.initiator.List(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sagas": states})
}

func (s *RESTServer) handleGetStatus(c *gin.Context) {
	state, err := s.initiator.GetStatus(c.Request.Context(), c.Param("sagaId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *RESTServer) handleCancel(c *gin.Context) {
	state, err := s.initiator.Cancel(c.Request.Context(), c.Param("sagaId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *RESTServer) handleTriggerPhase(c *gin.Context) {
	phase, err := strconv.Atoi(c.Param("phase"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phase must be an integer"})
		return
	}

	if err := s.initiator.TriggerPhase(c.Request.Context(), c.Param("sagaId"), phase); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sagaId": c.Param("sagaId"), "phase": phase, "status": "TRIGGERED"})
}

// writeError отображает коды доменных ошибок на HTTP статусы
func (s *RESTServer) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case saga.IsCode(err, saga.ErrNotFound):
		status = http.StatusNotFound
	case saga.IsCode(err, saga.ErrValidationFailed), saga.IsCode(err, saga.ErrPhaseOutOfRange):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
