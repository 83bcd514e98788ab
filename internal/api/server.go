// Package api exposes the alarm, sleep and authorization operations over HTTP.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/providentiaww/sunrise/internal/models"
	"github.com/providentiaww/sunrise/internal/sleep"
)

// AuthFlow runs the provider authorization
type AuthFlow interface {
	AuthorizationURL(ctx context.Context) (string, error)
	ExchangeCode(ctx context.Context, code string) (*models.TokenPair, error)
	Authenticated(ctx context.Context) (bool, error)
}

// Pinger is a backing store the health check can reach
type Pinger interface {
	Ping() error
}

// SleepService builds the dashboard and wake-up recommendations
type SleepService interface {
	Dashboard(ctx context.Context) (*sleep.Dashboard, error)
	Recommend(ctx context.Context, bedtime string) (*sleep.Recommendation, error)
}

// AlarmService manages alarms and answers the per-minute check
type AlarmService interface {
	List(ctx context.Context) ([]models.Alarm, error)
	Add(ctx context.Context, in models.NewAlarm) (*models.Alarm, error)
	Delete(ctx context.Context, id int64) error
	Toggle(ctx context.Context, id int64, enabled bool) error
	Check(ctx context.Context) (models.FireDecision, error)
}

type healthCheck struct {
	name   string
	pinger Pinger
}

// Server holds the handlers' dependencies
type Server struct {
	auth      AuthFlow
	sleep     SleepService
	alarms    AlarmService
	soundsDir string
	checks    []healthCheck
	logger    *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithHealthCheck adds a store that GET /health pings
func WithHealthCheck(name string, p Pinger) Option {
	return func(s *Server) {
		s.checks = append(s.checks, healthCheck{name: name, pinger: p})
	}
}

// NewServer wires the HTTP handlers.
func NewServer(auth AuthFlow, sleepSvc SleepService, alarms AlarmService, soundsDir string, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		auth:      auth,
		sleep:     sleepSvc,
		alarms:    alarms,
		soundsDir: soundsDir,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router registers every route on a new engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggerMiddleware(s.logger))

	r.GET("/health", s.health)
	r.GET("/auth", s.authorize)
	r.GET("/auth/callback", s.callback)

	r.GET("/", s.index)
	r.GET("/dashboard", s.dashboard)
	r.POST("/calculate-wakeup", s.calculateWakeup)
	r.GET("/settings", s.settings)

	alarms := r.Group("/alarms")
	alarms.GET("", s.listAlarms)
	alarms.POST("/add", s.addAlarm)
	alarms.POST("/delete/:id", s.deleteAlarm)
	alarms.POST("/toggle/:id", s.toggleAlarm)
	alarms.GET("/check", s.checkAlarms)

	if s.soundsDir != "" {
		r.Static("/sounds", s.soundsDir)
	}
	return r
}
