package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storefront/internal/auth"
	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/service"
	"storefront/internal/shipping"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	webhookSecret = "whsec"
	jwtSecret     = "jwt-secret"
	shipToken     = "ship-token"
)

type stubOrders struct {
	created   *service.CreateOrderRequest
	createRes *service.CreateOrderResult
	createErr error
	tracking  *models.TrackingView
	stock     int
}

func (s *stubOrders) CreateOrder(_ context.Context, _ service.Actor, _ string, req *service.CreateOrderRequest) (*service.CreateOrderResult, error) {
	s.created = req
	return s.createRes, s.createErr
}

func (s *stubOrders) GetOrder(_ context.Context, id string, actor service.Actor) (*models.Order, error) {
	if !actor.CanAccess("user-1") {
		return nil, service.ErrForbidden
	}
	return &models.Order{ID: id, UserID: "user-1"}, nil
}

func (s *stubOrders) ListOrders(context.Context, service.Actor, int, int) ([]models.Order, error) {
	return []models.Order{{ID: "ord_1"}}, nil
}

func (s *stubOrders) PublicTracking(_ context.Context, number string) (*models.TrackingView, error) {
	if s.tracking == nil || s.tracking.OrderNumber != number {
		return nil, store.ErrNotFound
	}
	return s.tracking, nil
}

func (s *stubOrders) VerifyPayment(context.Context, string, service.Actor, *service.VerifyPaymentRequest) (*service.Outcome, error) {
	return nil, payment.ErrInvalidSignature
}

func (s *stubOrders) UpdateStock(_ context.Context, id string, stock int, _ service.Actor) (*models.Product, error) {
	s.stock = stock
	return &models.Product{ID: id, Stock: stock}, nil
}

type stubLifecycle struct {
	facts     []payment.Fact
	factErr   error
	updates   []shipping.StatusUpdate
	cancelErr error
	setTo     models.OrderStatus
	retried   []string
}

func (s *stubLifecycle) HandlePaymentFact(_ context.Context, _ string, fact payment.Fact, _ service.Actor) (*service.Outcome, error) {
	s.facts = append(s.facts, fact)
	if s.factErr != nil {
		return nil, s.factErr
	}
	return &service.Outcome{Order: &models.Order{}, Transitioned: true}, nil
}

func (s *stubLifecycle) ApplyCarrierStatus(_ context.Context, update shipping.StatusUpdate, _ service.Actor) (*service.Outcome, error) {
	s.updates = append(s.updates, update)
	return &service.Outcome{Order: &models.Order{}}, nil
}

func (s *stubLifecycle) Cancel(_ context.Context, id string, _ service.Actor, _ string) (*service.Outcome, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	return &service.Outcome{Order: &models.Order{ID: id, Status: models.OrderStatusCancelled}, Transitioned: true}, nil
}

func (s *stubLifecycle) SetStatus(_ context.Context, id string, to models.OrderStatus, _ service.Actor, _ string) (*service.Outcome, error) {
	s.setTo = to
	return &service.Outcome{Order: &models.Order{ID: id, Status: to}, Transitioned: true}, nil
}

func (s *stubLifecycle) SyncTracking(context.Context, string, service.Actor) (*shipping.TrackingSnapshot, *service.Outcome, error) {
	return nil, nil, service.ErrNoShipment
}

func (s *stubLifecycle) CancelShipment(context.Context, string, string, service.Actor) (*service.Outcome, error) {
	return &service.Outcome{Order: &models.Order{}}, nil
}

func (s *stubLifecycle) GenerateLabels(context.Context, []string, service.Actor) (*shipping.Labels, error) {
	return &shipping.Labels{}, nil
}

func (s *stubLifecycle) RequestShipmentRetry(_ context.Context, id string, _ service.Actor) error {
	s.retried = append(s.retried, id)
	return nil
}

type testServer struct {
	router    *gin.Engine
	orders    *stubOrders
	lifecycle *stubLifecycle
	verifier  *auth.Verifier
	logs      *observer.ObservedLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.InfoLevel)
	util.SetLogger(zap.New(core))
	t.Cleanup(func() { util.SetLogger(nil) })

	ts := &testServer{
		router:    gin.New(),
		orders:    &stubOrders{},
		lifecycle: &stubLifecycle{},
		verifier:  auth.NewVerifier(jwtSecret, ""),
		logs:      logs,
	}
	gateway := payment.NewClient(payment.Config{WebhookSecret: webhookSecret})
	h := NewHandler(ts.orders, ts.lifecycle, gateway, ts.verifier, Config{
		PaymentEventIDHeader: "X-Razorpay-Event-Id",
		ShipmentWebhookToken: shipToken,
	}, nil)
	h.SetupRoutes(ts.router)
	return ts
}

func (ts *testServer) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := ts.verifier.Issue(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

const capturedBody = `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"gw_1","amount":112000,"method":"upi"}}}}`

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader(capturedBody))
	req.Header.Set("X-Razorpay-Signature", payment.Sign("wrong", []byte(capturedBody)))
	w := ts.do(req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", decode(t, w)["error"])
	assert.Empty(t, ts.lifecycle.facts)

	entries := ts.logs.FilterMessage("Payment webhook signature mismatch").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["security"])
}

func TestPaymentWebhookAppliesFact(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader(capturedBody))
	req.Header.Set("X-Razorpay-Signature", payment.Sign(webhookSecret, []byte(capturedBody)))
	w := ts.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ts.lifecycle.facts, 1)
	assert.Equal(t, payment.Captured{
		Event:          payment.EventPaymentCaptured,
		GatewayOrderID: "gw_1",
		PaymentID:      "pay_1",
		Amount:         112000,
		Method:         "upi",
	}, ts.lifecycle.facts[0])
}

func TestPaymentWebhookAcknowledgesWhatItDrops(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		factErr error
		status  string
		applied int
	}{
		{name: "ignored event", body: `{"event":"refund.created","payload":{}}`, status: "ignored"},
		{name: "malformed", body: `{"event":"payment.captured","payload":{}}`, status: "malformed"},
		{name: "unknown order", body: capturedBody, factErr: store.ErrNotFound, status: "unmatched", applied: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.lifecycle.factErr = tt.factErr

			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader(tt.body))
			req.Header.Set("X-Razorpay-Signature", payment.Sign(webhookSecret, []byte(tt.body)))
			w := ts.do(req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.status, decode(t, w)["status"])
			assert.Len(t, ts.lifecycle.facts, tt.applied)
		})
	}
}

func TestShipmentWebhookToken(t *testing.T) {
	body := `{"awb":123456,"current_status":"DELIVERED"}`

	t.Run("missing token", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shipment", strings.NewReader(body)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, ts.lifecycle.updates)
	})

	t.Run("valid token", func(t *testing.T) {
		ts := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shipment", strings.NewReader(body))
		req.Header.Set("X-Api-Key", shipToken)
		w := ts.do(req)

		assert.Equal(t, http.StatusOK, w.Code)
		require.Len(t, ts.lifecycle.updates, 1)
		assert.Equal(t, "123456", ts.lifecycle.updates[0].AWB)
	})
}

func TestPublicTracking(t *testing.T) {
	ts := newTestServer(t)
	ts.orders.tracking = &models.TrackingView{
		OrderNumber: "ORD-1",
		Status:      models.OrderStatusShipped,
		Carrier:     "Delhivery",
	}

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/track/ORD-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "shipped", body["status"])
	assert.Equal(t, "Delhivery", body["carrier"])
	assert.NotContains(t, body, "shippingAddress")
	assert.NotContains(t, body, "userId")

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/track/ORD-2", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "user-1", auth.RoleUser))
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t)
	body := `{"status":"delivered"}`

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/admin/orders/ord_1/status", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "user-1", auth.RoleUser))
	assert.Equal(t, http.StatusForbidden, ts.do(req).Code)
	assert.Empty(t, ts.lifecycle.setTo)

	req = httptest.NewRequest(http.MethodPatch, "/api/v1/admin/orders/ord_1/status", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "admin-1", auth.RoleAdmin))
	w := ts.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OrderStatusDelivered, ts.lifecycle.setTo)
	assert.Equal(t, true, decode(t, w)["transitioned"])
}

func TestCreateOrderValidationFields(t *testing.T) {
	ts := newTestServer(t)
	body := `{"items":[{"productId":"p1","quantity":0}],"shippingAddress":{"name":"A"},"paymentMethod":"bitcoin"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "user-1", auth.RoleUser))
	w := ts.do(req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "validation_failed", resp["error"])
	fields, ok := resp["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "is required", fields["items[0].quantity"])
	assert.Equal(t, "is required", fields["shippingAddress.phone"])
	assert.Equal(t, "must be one of online, cod", fields["paymentMethod"])
	assert.Nil(t, ts.orders.created)
}

func TestCreateOrderResponse(t *testing.T) {
	ts := newTestServer(t)
	order := &models.Order{ID: "ord_1"}
	order.Payment.GatewayOrderID = "gw_1"
	ts.orders.createRes = &service.CreateOrderResult{Order: order, KeyID: "rzp_key"}

	body := `{"items":[{"productId":"p1","quantity":1}],"shippingAddress":{"name":"A","phone":"9","line1":"l","city":"c","state":"s","postalCode":"1"},"paymentMethod":"online"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "user-1", auth.RoleUser))
	w := ts.do(req)

	require.Equal(t, http.StatusCreated, w.Code)
	pay, ok := decode(t, w)["payment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rzp_key", pay["keyId"])
	assert.Equal(t, "gw_1", pay["gatewayOrderId"])

	ts.orders.createRes.Replayed = true
	req = httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "user-1", auth.RoleUser))
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	userTok := ts.token(t, "user-1", auth.RoleUser)

	ts.lifecycle.cancelErr = service.ErrInvalidTransition
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+userTok)
	w := ts.do(req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode(t, w)["error"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "user-2", auth.RoleUser))
	assert.Equal(t, http.StatusForbidden, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1/tracking", nil)
	req.Header.Set("Authorization", "Bearer "+userTok)
	assert.Equal(t, http.StatusConflict, ts.do(req).Code)

	verify := `{"gatewayOrderId":"gw_1","paymentId":"pay_1","signature":"bad"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment/verify", strings.NewReader(verify))
	req.Header.Set("Authorization", "Bearer "+userTok)
	w = ts.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", decode(t, w)["error"])
}

func TestAdminStockAndRetry(t *testing.T) {
	ts := newTestServer(t)
	adminTok := ts.token(t, "admin-1", auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/products/p1/stock", strings.NewReader(`{"stock":0}`))
	req.Header.Set("Authorization", "Bearer "+adminTok)
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
	assert.Equal(t, 0, ts.orders.stock)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/admin/products/p1/stock", strings.NewReader(`{"stock":-1}`))
	req.Header.Set("Authorization", "Bearer "+adminTok)
	assert.Equal(t, http.StatusBadRequest, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1/shipment/retry", nil)
	req.Header.Set("Authorization", "Bearer "+adminTok)
	assert.Equal(t, http.StatusAccepted, ts.do(req).Code)
	assert.Equal(t, []string{"ord_1"}, ts.lifecycle.retried)
}
