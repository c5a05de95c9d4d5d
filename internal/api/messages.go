package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	msync "github.com/Martian-dev/mailsync/internal/sync"
)

type readRequest struct {
	IDs  []string `json:"ids" binding:"required,min=1,max=100"`
	Read *bool    `json:"read" binding:"required"`
}

func (s *Server) setReadState(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.engine.SetReadState(c.Request.Context(), currentAccount(c).ID, req.IDs, *req.Read)
	if err != nil {
		// The local change stands even when the provider push failed.
		if msync.IsProviderError(err) && res.Changed > 0 {
			s.log.WithError(err).WithField("account_id", currentAccount(c).ID).
				Warn("Read state stored locally but not pushed")
			c.JSON(http.StatusAccepted, res)
			return
		}
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type moveRequest struct {
	IDs         []string          `json:"ids" binding:"required,min=1,max=100"`
	Destination msync.Destination `json:"destination" binding:"required"`
}

func (s *Server) moveMessages(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.engine.MoveMessages(c.Request.Context(), currentAccount(c).ID, req.IDs, req.Destination)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) messageBody(c *gin.Context) {
	body, err := s.engine.FetchBody(c.Request.Context(), currentAccount(c).ID, c.Param("message"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Data(http.StatusOK, body.ContentType, body.Data)
}
