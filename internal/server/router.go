package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"github.com/MarcoPoloResearchLab/callsync/internal/crm"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "callsync_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingCallService    = errors.New("call service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the authenticated user id.
type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

// CallService stores calls idempotently.
type CallService interface {
	CreateCall(ctx context.Context, payload calls.CreateCallPayload) (crm.CreateOutcome, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenValidator TokenValidator
	CallService    CallService
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the health probe and the create-call endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.CallService == nil {
		return nil, errMissingCallService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:      deps.TokenValidator,
		callService: deps.CallService,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.POST("/calls", handler.handleCreateCall)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens      TokenValidator
	callService CallService
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateCall(c *gin.Context) {
	userID := c.GetInt64(userIDContextKey)
	if userID <= 0 {
		c.JSON(http.StatusUnauthorized, calls.CreateCallResponse{Error: "unauthorized"})
		return
	}

	var request calls.CreateCallPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, calls.CreateCallResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	if request.UserID != userID {
		h.logger.Warn("call submitted for another user",
			zap.Int64("token_user_id", userID),
			zap.Int64("payload_user_id", request.UserID))
		c.JSON(http.StatusForbidden, calls.CreateCallResponse{Error: "forbidden"})
		return
	}

	outcome, err := h.callService.CreateCall(c.Request.Context(), request)
	if err != nil {
		if errors.Is(err, crm.ErrInvalidCall) {
			c.JSON(http.StatusBadRequest, calls.CreateCallResponse{Error: "invalid_request", Message: err.Error()})
			return
		}
		h.logger.Error("failed to create call", zap.Error(err), zap.Int64("user_id", userID))
		c.JSON(http.StatusInternalServerError, calls.CreateCallResponse{Error: "create_failed"})
		return
	}

	data := outcome.Call.Data()
	status := http.StatusCreated
	if outcome.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, calls.CreateCallResponse{Success: true, Data: &data, Duplicate: outcome.Duplicate})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, calls.CreateCallResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, calls.CreateCallResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, calls.CreateCallResponse{Error: "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}
