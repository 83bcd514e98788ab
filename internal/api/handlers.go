package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/providentiaww/sunrise/internal/alarm"
	"github.com/providentiaww/sunrise/internal/fitbit"
	"github.com/providentiaww/sunrise/internal/models"
	"github.com/providentiaww/sunrise/internal/oauth"
	"github.com/providentiaww/sunrise/internal/sleep"
	"github.com/providentiaww/sunrise/internal/storage"
)

const authPath = "/auth"

type wakeupRequest struct {
	Bedtime string `json:"bedtime" form:"bedtime" binding:"required"`
}

type toggleRequest struct {
	IsOn *bool `json:"isOn" form:"isOn" binding:"required"`
}

// health pings every registered store and reports whether provider tokens are
// stored. Any failure answers 503.
func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for _, hc := range s.checks {
		if err := hc.pinger.Ping(); err != nil {
			s.logger.Warn("health check failed", zap.String("check", hc.name), zap.Error(err))
			checks[hc.name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[hc.name] = "ok"
	}

	authenticated, err := s.auth.Authenticated(c.Request.Context())
	if err != nil {
		s.logger.Warn("loading credentials failed", zap.Error(err))
		checks["authorization"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	state := "ok"
	if status != http.StatusOK {
		state = "unavailable"
	}
	c.JSON(status, gin.H{"status": state, "authenticated": authenticated, "checks": checks})
}

func (s *Server) authorize(c *gin.Context) {
	url, err := s.auth.AuthorizationURL(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "starting authorization failed", err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (s *Server) callback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "authorization code is missing"})
		return
	}
	if _, err := s.auth.ExchangeCode(c.Request.Context(), code); err != nil {
		s.fail(c, http.StatusInternalServerError, "token exchange failed", err)
		return
	}
	s.logger.Info("provider authorization completed", zap.String("request_id", c.GetString(requestIDKey)))
	c.Redirect(http.StatusFound, "/")
}

// index is the browser entry point: it sends unauthenticated users to the
// authorization flow instead of answering 401.
func (s *Server) index(c *gin.Context) {
	d, err := s.sleep.Dashboard(c.Request.Context())
	if oauth.NeedsReauthorization(err) {
		c.Redirect(http.StatusFound, authPath)
		return
	}
	if err != nil {
		s.respondError(c, "loading dashboard failed", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) dashboard(c *gin.Context) {
	d, err := s.sleep.Dashboard(c.Request.Context())
	if err != nil {
		s.respondError(c, "loading dashboard failed", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) calculateWakeup(c *gin.Context) {
	var req wakeupRequest
	if err := c.ShouldBind(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "bedtime is required", err)
		return
	}
	rec, err := s.sleep.Recommend(c.Request.Context(), req.Bedtime)
	if err != nil {
		s.respondError(c, "calculating wake-up times failed", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) settings(c *gin.Context) {
	sounds, err := sleep.ListSounds(s.soundsDir)
	if err != nil {
		s.logger.Warn("listing sounds failed", zap.Error(err))
		sounds = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"sounds": sounds})
}

func (s *Server) listAlarms(c *gin.Context) {
	alarms, err := s.alarms.List(c.Request.Context())
	if err != nil {
		s.respondError(c, "loading alarms failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "alarms": alarms})
}

func (s *Server) addAlarm(c *gin.Context) {
	var in models.NewAlarm
	if err := c.ShouldBind(&in); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid alarm", err)
		return
	}
	a, err := s.alarms.Add(c.Request.Context(), in)
	if err != nil {
		s.respondError(c, "adding alarm failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "alarm": a})
}

func (s *Server) deleteAlarm(c *gin.Context) {
	id, ok := s.alarmID(c)
	if !ok {
		return
	}
	if err := s.alarms.Delete(c.Request.Context(), id); err != nil {
		s.respondError(c, "deleting alarm failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) toggleAlarm(c *gin.Context) {
	id, ok := s.alarmID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBind(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "isOn is required", err)
		return
	}
	if err := s.alarms.Toggle(c.Request.Context(), id, *req.IsOn); err != nil {
		s.respondError(c, "toggling alarm failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// checkAlarms always answers with shouldFire, false on any failure.
func (s *Server) checkAlarms(c *gin.Context) {
	d, err := s.alarms.Check(c.Request.Context())
	if err == nil {
		c.JSON(http.StatusOK, d)
		return
	}
	if oauth.NeedsReauthorization(err) {
		c.JSON(http.StatusUnauthorized, gin.H{"shouldFire": false, "message": err.Error(), "reauthorize_url": authPath})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"shouldFire": false, "message": "error checking alarms"})
}

func (s *Server) alarmID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid alarm id"})
		return 0, false
	}
	return id, true
}

// respondError maps service errors to a status code.
func (s *Server) respondError(c *gin.Context, msg string, err error) {
	switch {
	case oauth.NeedsReauthorization(err):
		s.logger.Warn(msg, zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": err.Error(), "reauthorize_url": authPath})
	case errors.Is(err, storage.ErrNotFound):
		s.fail(c, http.StatusNotFound, msg, err)
	case errors.Is(err, alarm.ErrInvalidAlarm), errors.Is(err, alarm.ErrLimitReached), errors.Is(err, sleep.ErrInvalidClock):
		s.fail(c, http.StatusBadRequest, msg, err)
	case errors.Is(err, fitbit.ErrRemoteUnavailable):
		s.fail(c, http.StatusBadGateway, msg, err)
	default:
		s.fail(c, http.StatusInternalServerError, msg, err)
	}
}

func (s *Server) fail(c *gin.Context, status int, msg string, err error) {
	fields := []zap.Field{zap.String("request_id", c.GetString(requestIDKey)), zap.Int("status", status), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, fields...)
	} else {
		s.logger.Warn(msg, fields...)
	}
	c.JSON(status, gin.H{"success": false, "message": msg + ": " + err.Error()})
}
