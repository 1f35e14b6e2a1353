package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	"github.com/smallbiznis/voxa/pkg/db/pagination"
)

// -------- Subscriptions --------

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscription, err := s.subscriptionSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, subscriptiondomain.Summarize(*subscription, s.clock.Now()))
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		UserID string `form:"user_id"`
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListSubscriptionRequest{
		UserID:     strings.TrimSpace(query.UserID),
		Status:     strings.TrimSpace(query.Status),
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	id, err := pathID(c, "id", subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	subscription, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, subscriptiondomain.Summarize(*subscription, s.clock.Now()))
}

// ExpireSubscription ends a subscription immediately. Unused credits are
// forfeited.
func (s *Server) ExpireSubscription(c *gin.Context) {
	subscription, err := s.subscriptionSvc.Expire(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, subscriptiondomain.Summarize(*subscription, s.clock.Now()))
}

// -------- Users & API keys --------

func (s *Server) CreateUser(c *gin.Context) {
	var req identitydomain.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	user, err := s.identitySvc.CreateUser(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, user)
}

func (s *Server) GetUserByID(c *gin.Context) {
	user, err := s.identitySvc.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, user)
}

// CreateAPIKey issues a key for the user. The plain key is only returned here.
func (s *Server) CreateAPIKey(c *gin.Context) {
	var req identitydomain.IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = c.Param("id")

	secret, err := s.identitySvc.IssueKey(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, secret)
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.identitySvc.ListKeys(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"api_keys": keys})
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	if err := s.identitySvc.RevokeKey(c.Request.Context(), c.Param("key_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
