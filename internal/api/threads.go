package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/taxonomy"
)

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 200
)

func (s *Server) listThreads(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultThreadLimit)
	if err != nil || limit <= 0 || limit > maxThreadLimit {
		s.badRequest(c, fmt.Errorf("limit must be between 1 and %d", maxThreadLimit))
		return
	}

	f := store.ThreadFilter{Limit: limit}
	if folder := taxonomy.Folder(c.Query("folder")); folder != "" {
		if !folder.Valid() {
			s.badRequest(c, fmt.Errorf("unknown folder %q", folder))
			return
		}
		f.Folder = folder
	}
	if before := c.Query("before"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			s.badRequest(c, fmt.Errorf("before: %w", err))
			return
		}
		f.Before = t
	}

	threads, err := s.threads.ListThreads(c.Request.Context(), currentAccount(c), f)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, threads)
}

func (s *Server) threadState(c *gin.Context) {
	summary, err := s.threads.GetThreadState(c.Request.Context(), currentAccount(c), c.Param("thread"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type resolutionRequest struct {
	Action string `json:"action" binding:"required,oneof=awaiting_me awaiting_them resolve reopen"`
}

// setResolution applies a triage action to a whole thread and answers with
// the re-derived thread
func (s *Server) setResolution(c *gin.Context) {
	var req resolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	var (
		ctx      = c.Request.Context()
		acct     = currentAccount(c)
		threadID = c.Param("thread")
		err      error
	)
	switch req.Action {
	case "awaiting_me":
		err = s.threads.MarkAwaitingMe(ctx, acct, threadID)
	case "awaiting_them":
		err = s.threads.MarkAwaitingThem(ctx, acct, threadID)
	case "resolve":
		err = s.threads.ResolveThread(ctx, acct, threadID)
	case "reopen":
		err = s.threads.ReopenThread(ctx, acct, threadID)
	}
	if err != nil {
		s.abort(c, err)
		return
	}

	summary, err := s.threads.GetThreadState(ctx, acct, threadID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
