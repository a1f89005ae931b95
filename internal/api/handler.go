package api

import (
	"context"
	"net/http"
	"time"

	"storefront/internal/auth"
	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/service"
	"storefront/internal/shipping"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Orders is the order placement and read side. *service.OrderService implements it.
type Orders interface {
	CreateOrder(ctx context.Context, actor service.Actor, idempotencyKey string, req *service.CreateOrderRequest) (*service.CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID string, actor service.Actor) (*models.Order, error)
	ListOrders(ctx context.Context, actor service.Actor, limit, offset int) ([]models.Order, error)
	PublicTracking(ctx context.Context, orderNumber string) (*models.TrackingView, error)
	VerifyPayment(ctx context.Context, orderID string, actor service.Actor, req *service.VerifyPaymentRequest) (*service.Outcome, error)
	UpdateStock(ctx context.Context, productID string, stock int, actor service.Actor) (*models.Product, error)
}

// Lifecycle drives status changes. *service.Lifecycle implements it.
type Lifecycle interface {
	HandlePaymentFact(ctx context.Context, eventID string, fact payment.Fact, actor service.Actor) (*service.Outcome, error)
	ApplyCarrierStatus(ctx context.Context, update shipping.StatusUpdate, actor service.Actor) (*service.Outcome, error)
	Cancel(ctx context.Context, orderID string, actor service.Actor, reason string) (*service.Outcome, error)
	SetStatus(ctx context.Context, orderID string, to models.OrderStatus, actor service.Actor, note string) (*service.Outcome, error)
	SyncTracking(ctx context.Context, orderID string, actor service.Actor) (*shipping.TrackingSnapshot, *service.Outcome, error)
	CancelShipment(ctx context.Context, orderID, reason string, actor service.Actor) (*service.Outcome, error)
	GenerateLabels(ctx context.Context, orderIDs []string, actor service.Actor) (*shipping.Labels, error)
	RequestShipmentRetry(ctx context.Context, orderID string, actor service.Actor) error
}

// WebhookVerifier authenticates gateway webhooks. *payment.Client implements it.
type WebhookVerifier interface {
	VerifyWebhookSignature(rawBody []byte, signature string) bool
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the webhook header names and the shipment webhook token.
type Config struct {
	PaymentSignatureHeader string
	PaymentEventIDHeader   string
	ShipmentWebhookHeader  string
	ShipmentWebhookToken   string
}

// Handler contains HTTP handlers
type Handler struct {
	orders    Orders
	lifecycle Lifecycle
	webhooks  WebhookVerifier
	verifier  *auth.Verifier
	checks    map[string]Pinger
	cfg       Config
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders Orders,
	lifecycle Lifecycle,
	webhooks WebhookVerifier,
	verifier *auth.Verifier,
	cfg Config,
	checks map[string]Pinger,
) *Handler {
	useJSONFieldNames()
	if cfg.PaymentSignatureHeader == "" {
		cfg.PaymentSignatureHeader = "X-Razorpay-Signature"
	}
	if cfg.ShipmentWebhookHeader == "" {
		cfg.ShipmentWebhookHeader = "X-Api-Key"
	}
	return &Handler{
		orders:    orders,
		lifecycle: lifecycle,
		webhooks:  webhooks,
		verifier:  verifier,
		checks:    checks,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(accessLog(h.logger))
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/track/:orderNumber", h.publicTracking)
		v1.POST("/webhooks/payment", h.paymentWebhook)
		v1.POST("/webhooks/shipment", h.shipmentWebhook)
	}

	authed := v1.Group("", requireAuth(h.verifier))
	{
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/cancel", h.cancelOrder)
		authed.POST("/orders/:id/payment/verify", h.verifyPayment)
		authed.GET("/orders/:id/tracking", h.syncTracking)
	}

	admin := authed.Group("/admin", requireAdmin())
	{
		admin.PATCH("/orders/:id/status", h.setStatus)
		admin.POST("/orders/:id/shipment/retry", h.retryShipment)
		admin.POST("/orders/:id/shipment/cancel", h.cancelShipment)
		admin.POST("/shipments/labels", h.generateLabels)
		admin.PUT("/products/:id/stock", h.updateStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for name, dep := range h.checks {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	label := "ready"
	if status != http.StatusOK {
		label = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": label,
		"checks": results,
		"time":   time.Now().Unix(),
	})
}

// outcomeResponse renders an Outcome; failed secondary steps are reported as
// warnings next to the order.
func outcomeResponse(out *service.Outcome) gin.H {
	warnings := []string{}
	for _, step := range out.Failed() {
		warnings = append(warnings, step.Name+": "+step.Err.Error())
	}
	return gin.H{
		"order":        out.Order,
		"transitioned": out.Transitioned,
		"warnings":     warnings,
	}
}
