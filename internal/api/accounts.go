package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/store"
	msync "github.com/Martian-dev/mailsync/internal/sync"
)

type accountView struct {
	ID         string              `json:"id"`
	Provider   string              `json:"provider"`
	Email      string              `json:"email"`
	Status     store.AccountStatus `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	SyncStatus msync.Status        `json:"sync"`
}

func viewAccount(a *store.Account) accountView {
	return accountView{
		ID:        a.ID,
		Provider:  a.Provider,
		Email:     a.Email,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
		SyncStatus: msync.Status{
			AccountID:     a.ID,
			Status:        a.Status,
			SyncEnabled:   a.SyncEnabled,
			IsSyncing:     a.IsSyncing,
			LastSyncAt:    a.LastSyncAt,
			NextSyncAt:    a.NextSyncAt,
			LastSyncError: a.LastSyncError,
			SyncFailures:  a.SyncFailures,
		},
	}
}

type credentialsRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r credentialsRequest) expiry(now time.Time) time.Time {
	return now.Add(time.Duration(r.ExpiresIn) * time.Second)
}

type connectRequest struct {
	credentialsRequest
	Provider string `json:"provider"`
	Email    string `json:"email" binding:"required,email"`
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.st.ListUserAccounts(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.abort(c, err)
		return
	}

	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, viewAccount(a))
	}
	c.JSON(http.StatusOK, out)
}

// connectAccount stores a newly authorized mailbox. The scheduler picks it
// up on its next tick.
func (s *Server) connectAccount(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Provider == "" {
		req.Provider = string(msync.ProviderMicrosoft)
	}
	if req.Provider != string(msync.ProviderMicrosoft) {
		s.badRequest(c, fmt.Errorf("unsupported provider %q", req.Provider))
		return
	}

	acct, err := s.st.CreateAccount(c.Request.Context(), store.Account{
		UserID:       currentUser(c).ID,
		Provider:     req.Provider,
		Email:        req.Email,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenExpiry:  req.expiry(s.st.Now()),
		SyncEnabled:  true,
	})
	if err != nil {
		s.abort(c, err)
		return
	}

	s.log.WithField("account_id", acct.ID).Info("Account connected")
	c.JSON(http.StatusCreated, viewAccount(acct))
}

// updateCredentials stores tokens from a reconnect and syncs right away
func (s *Server) updateCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	acct := currentAccount(c)

	err := s.st.ExecTx(ctx, func(q *store.Queries) error {
		err := q.UpdateAccountTokens(ctx, acct.ID, req.AccessToken,
			req.RefreshToken, req.expiry(s.st.Now()))
		if err != nil {
			return err
		}
		return q.SetAccountStatus(ctx, acct.ID, store.StatusActive, "")
	})
	if err != nil {
		s.abort(c, err)
		return
	}

	res, err := s.sched.RequestImmediateSync(ctx, acct.ID, msync.IntentReconnect)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) disconnectAccount(c *gin.Context) {
	res, err := s.assets.DisconnectAccount(c.Request.Context(), currentAccount(c).ID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":       res.Messages,
		"assets_deleted": res.AssetsDeleted,
		"swept":          res.Swept,
	})
}

func (s *Server) touchAccount(c *gin.Context) {
	if err := s.st.TouchAccount(c.Request.Context(), currentAccount(c).ID, s.st.Now()); err != nil {
		s.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type syncRequest struct {
	Intent msync.Intent `json:"intent" binding:"required"`
}

func (s *Server) requestSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res, err := s.sched.RequestImmediateSync(c.Request.Context(), currentAccount(c).ID, req.Intent)
	if err != nil {
		s.abort(c, err)
		return
	}

	switch {
	case res.Accepted:
		c.JSON(http.StatusAccepted, res)
	case res.Reason == msync.ReasonCooldown:
		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.JSON(http.StatusTooManyRequests, res)
	default:
		c.JSON(http.StatusConflict, res)
	}
}

func (s *Server) syncStatus(c *gin.Context) {
	status, err := s.sched.GetSyncStatus(c.Request.Context(), currentAccount(c).ID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
