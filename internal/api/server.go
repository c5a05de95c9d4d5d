package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
)

const (
	userKey    = "user"
	accountKey = "account"
)

// Server exposes the mailbox engine over HTTP
type Server struct {
	st       *store.Store
	engine   *msync.Engine
	sched    *msync.Scheduler
	threads  *mailbox.Threads
	assets   *mailbox.AssetStore
	verifier auth.Verifier
	log      logrus.FieldLogger
}

// NewServer creates the API server
func NewServer(st *store.Store, engine *msync.Engine, sched *msync.Scheduler,
	threads *mailbox.Threads, assets *mailbox.AssetStore, verifier auth.Verifier,
	log logrus.FieldLogger) *Server {

	return &Server{
		st:       st,
		engine:   engine,
		sched:    sched,
		threads:  threads,
		assets:   assets,
		verifier: verifier,
		log:      log,
	}
}

// Handler builds the gin router
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1", s.authMiddleware())
	v1.GET("/accounts", s.listAccounts)
	v1.POST("/accounts", s.connectAccount)

	acct := v1.Group("/accounts/:account", s.accountMiddleware())
	acct.DELETE("", s.disconnectAccount)
	acct.PUT("/credentials", s.updateCredentials)
	acct.POST("/touch", s.touchAccount)
	acct.POST("/sync", s.requestSync)
	acct.GET("/status", s.syncStatus)

	acct.GET("/threads", s.listThreads)
	acct.GET("/threads/:thread", s.threadState)
	acct.POST("/threads/:thread/resolution", s.setResolution)

	acct.POST("/messages/read", s.setReadState)
	acct.POST("/messages/move", s.moveMessages)
	acct.GET("/messages/:message/body", s.messageBody)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("Request handled")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// accountMiddleware loads the path's account. Accounts of other users are
// reported as missing.
func (s *Server) accountMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, err := s.st.GetAccount(c.Request.Context(), c.Param("account"))
		if err == nil && acct.UserID != currentUser(c).ID {
			err = store.ErrNotFound
		}
		if err != nil {
			s.abort(c, err)
			return
		}
		c.Set(accountKey, acct)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet(userKey).(*auth.User)
}

func currentAccount(c *gin.Context) *store.Account {
	return c.MustGet(accountKey).(*store.Account)
}

// abort answers with the status matching err
func (s *Server) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrUniqueViolation):
		status = http.StatusConflict
	case errors.Is(err, msync.ErrUnknownIntent),
		errors.Is(err, msync.ErrUnknownDestination):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrReconnectRequired),
		errors.Is(err, msync.ErrAccountInactive),
		errors.Is(err, msync.ErrUnauthorized):
		status = http.StatusConflict
	case errors.Is(err, msync.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, msync.ErrThrottled):
		status = http.StatusServiceUnavailable
	case msync.IsProviderError(err):
		status = http.StatusBadGateway
	}

	msg := http.StatusText(status)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	} else {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
