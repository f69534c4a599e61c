// Package httpapi is the HTTP surface of the seat hold coordinator: a gin
// router with tauth session identity, JSON commands and an SSE seat stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/internal/notify"
	"github.com/MarkoPoloResearchLab/seathold/internal/pricing"
	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey       = "auth_claims"
	defaultRequestTimeout  = 5 * time.Second
	defaultStreamHeartbeat = 15 * time.Second
	defaultAdminRole       = "admin"
	defaultPaymentRole     = "payments"
)

var ErrInvalidRouterConfig = errors.New("invalid router config")

// Config holds router settings.
type Config struct {
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	StreamHeartbeat time.Duration
	AdminRole       string
	// PaymentRole is the session role of the payment collaborator, the only
	// caller allowed to finalize reservations.
	PaymentRole string
}

// PriceCatalog stores seat prices when an event's seat map is seeded.
type PriceCatalog interface {
	Upsert(ctx context.Context, eventID seating.EventID, entries []pricing.Entry) error
}

// StreamSource hands out seat change subscriptions.
type StreamSource interface {
	Subscribe() (*notify.Subscription, error)
}

// Dependencies are the collaborators served by the router.
type Dependencies struct {
	Service   *seating.Service
	Catalog   PriceCatalog
	Stream    StreamSource
	Validator *sessionvalidator.Validator
	Metrics   http.Handler
	Logger    *zap.Logger
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Service == nil || deps.Catalog == nil || deps.Stream == nil || deps.Validator == nil {
		return nil, fmt.Errorf("%w: service, catalog, stream and validator are required", ErrInvalidRouterConfig)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = defaultStreamHeartbeat
	}
	if strings.TrimSpace(cfg.AdminRole) == "" {
		cfg.AdminRole = defaultAdminRole
	}
	if strings.TrimSpace(cfg.PaymentRole) == "" {
		cfg.PaymentRole = defaultPaymentRole
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		cfg:     cfg,
		service: deps.Service,
		catalog: deps.Catalog,
		stream:  deps.Stream,
		logger:  logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api")
	api.Use(deps.Validator.GinMiddleware(claimsContextKey))

	events := api.Group("/events/:eventID")
	events.GET("/seats", handler.handleSeatMap)
	events.PUT("/seats", handler.requireRole(cfg.AdminRole), handler.handleSeedSeats)
	events.GET("/stream", handler.handleStream)
	events.POST("/claims", handler.handleClaim)
	events.DELETE("/seats/:seatID/hold", handler.handleRelease)
	events.GET("/reservation", handler.handlePendingReservation)

	reservations := api.Group("/reservations")
	reservations.GET("", handler.handleListReservations)
	reservations.GET("/:reservationID", handler.handleGetReservation)
	reservations.POST("/:reservationID/cancel", handler.handleCancel)
	reservations.POST("/:reservationID/finalize", handler.requireRole(cfg.PaymentRole), handler.handleFinalize)

	return router, nil
}

type httpHandler struct {
	cfg     Config
	service *seating.Service
	catalog PriceCatalog
	stream  StreamSource
	logger  *zap.Logger
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session", nil))
			return
		}
		for _, granted := range claims.GetUserRoles() {
			if granted == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(errorCodeForbidden, "role "+role+" required", nil))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// sessionUser resolves the caller or writes a 401 and returns false.
func sessionUser(ctx *gin.Context) (seating.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session", nil))
		return seating.UserID{}, false
	}
	userID, err := seating.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "session has no user", nil))
		return seating.UserID{}, false
	}
	return userID, true
}
