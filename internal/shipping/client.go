package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	defaultTrackingBaseURL = "https://shiprocket.co/tracking/"
	tokenRenewMargin       = time.Hour
)

// Config holds the provider account and request settings.
type Config struct {
	BaseURL         string
	Email           string
	Password        string
	PickupLocation  string
	TokenTTL        time.Duration
	Timeout         time.Duration
	TrackingBaseURL string
}

// ShipmentResult is what the provider returns for a created shipment.
type ShipmentResult struct {
	ProviderOrderID   string
	ShipmentID        string
	TrackingNumber    string
	Carrier           string
	TrackingURL       string
	EstimatedDelivery *time.Time
}

// Activity is a single carrier scan.
type Activity struct {
	At       *time.Time `json:"at,omitempty"`
	Status   string     `json:"status"`
	Activity string     `json:"activity"`
	Location string     `json:"location,omitempty"`
}

// TrackingSnapshot is the live carrier view of a shipment.
type TrackingSnapshot struct {
	AWB               string                `json:"awb"`
	Status            models.ShipmentStatus `json:"status,omitempty"`
	RawStatus         string                `json:"rawStatus"`
	Location          string                `json:"location,omitempty"`
	EstimatedDelivery *time.Time            `json:"estimatedDelivery,omitempty"`
	TrackingURL       string                `json:"trackingUrl,omitempty"`
	Activities        []Activity            `json:"activities"`
}

// CancelResult reports which AWBs the provider accepted for cancellation.
type CancelResult struct {
	Cancelled []string `json:"cancelled"`
}

// Labels are the printable documents for a batch of shipments.
type Labels struct {
	LabelURL    string `json:"labelUrl,omitempty"`
	InvoiceURL  string `json:"invoiceUrl,omitempty"`
	ManifestURL string `json:"manifestUrl,omitempty"`
}

// Client talks to the shipment provider's REST API. Credentials never leave it.
type Client struct {
	cfg        Config
	session    *Session
	httpClient *http.Client
	loginMu    sync.Mutex
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient creates a new shipment provider client using session for its token
func NewClient(cfg Config, session *Session) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 216 * time.Hour
	}
	if cfg.TrackingBaseURL == "" {
		cfg.TrackingBaseURL = defaultTrackingBaseURL
	}
	if session == nil {
		session = NewSession()
	}
	return &Client{
		cfg:     cfg,
		session: session,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// CreateShipment registers the order with the provider and assigns an AWB. An order
// that already carries a provider shipment id from an earlier attempt skips
// straight to the assignment, so retries never book a second provider order.
func (c *Client) CreateShipment(ctx context.Context, order *models.Order) (*ShipmentResult, error) {
	ctx, span := util.StartSpan(ctx, "ShipmentClient.CreateShipment")
	defer span.End()

	providerOrderID, shipmentID := order.Shipment.ProviderOrderID, order.Shipment.ShipmentID
	if shipmentID == "" {
		var created struct {
			OrderID    flexString `json:"order_id"`
			ShipmentID flexString `json:"shipment_id"`
			Status     string     `json:"status"`
		}
		if err := c.do(ctx, "create_order", http.MethodPost, "/orders/create/adhoc", c.adhocOrder(order), &created); err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		if created.ShipmentID == "" {
			err := &ProviderError{Op: "create_order", Message: "response without shipment id"}
			util.RecordError(span, err)
			return nil, err
		}
		providerOrderID, shipmentID = string(created.OrderID), string(created.ShipmentID)
	} else {
		c.logger.Info("Resuming shipment at courier assignment",
			zap.String("order_id", order.ID),
			zap.String("shipment_id", shipmentID))
	}

	var assigned struct {
		AWBAssignStatus int `json:"awb_assign_status"`
		Response        struct {
			Data struct {
				AWBCode     string `json:"awb_code"`
				CourierName string `json:"courier_name"`
				ETD         string `json:"etd"`
			} `json:"data"`
		} `json:"response"`
		Message string `json:"message"`
	}
	body := map[string]any{"shipment_id": shipmentID}
	if err := c.do(ctx, "assign_awb", http.MethodPost, "/courier/assign/awb", body, &assigned); err != nil {
		err = withShipment(err, providerOrderID, shipmentID)
		util.RecordError(span, err)
		return nil, err
	}
	awb := assigned.Response.Data.AWBCode
	if awb == "" {
		msg := assigned.Message
		if msg == "" {
			msg = "no courier assigned"
		}
		err := &ProviderError{Op: "assign_awb", Message: msg, ProviderOrderID: providerOrderID, ShipmentID: shipmentID}
		util.RecordError(span, err)
		return nil, err
	}

	c.logger.Info("Shipment created",
		zap.String("order_id", order.ID),
		zap.String("shipment_id", shipmentID),
		zap.String("awb", awb))

	return &ShipmentResult{
		ProviderOrderID:   providerOrderID,
		ShipmentID:        shipmentID,
		TrackingNumber:    awb,
		Carrier:           assigned.Response.Data.CourierName,
		TrackingURL:       c.TrackingURL(awb),
		EstimatedDelivery: parseProviderTime(assigned.Response.Data.ETD),
	}, nil
}

// TrackingURL is the public carrier page for awb.
func (c *Client) TrackingURL(awb string) string {
	return c.cfg.TrackingBaseURL + awb
}

// Track fetches the live carrier status for awb.
func (c *Client) Track(ctx context.Context, awb string) (*TrackingSnapshot, error) {
	ctx, span := util.StartSpan(ctx, "ShipmentClient.Track")
	defer span.End()

	var resp struct {
		TrackingData struct {
			ShipmentTrack []struct {
				CurrentStatus string `json:"current_status"`
				EDD           string `json:"edd"`
			} `json:"shipment_track"`
			Activities []struct {
				Date     string `json:"date"`
				Status   string `json:"sr-status-label"`
				Activity string `json:"activity"`
				Location string `json:"location"`
			} `json:"shipment_track_activities"`
			TrackURL string `json:"track_url"`
			ETD      string `json:"etd"`
		} `json:"tracking_data"`
	}
	if err := c.do(ctx, "track", http.MethodGet, "/courier/track/awb/"+url.PathEscape(awb), nil, &resp); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	snap := &TrackingSnapshot{
		AWB:         awb,
		TrackingURL: resp.TrackingData.TrackURL,
		Activities:  make([]Activity, 0, len(resp.TrackingData.Activities)),
	}
	if snap.TrackingURL == "" {
		snap.TrackingURL = c.TrackingURL(awb)
	}
	if len(resp.TrackingData.ShipmentTrack) > 0 {
		current := resp.TrackingData.ShipmentTrack[0]
		snap.RawStatus = current.CurrentStatus
		snap.EstimatedDelivery = parseProviderTime(current.EDD)
	}
	if snap.EstimatedDelivery == nil {
		snap.EstimatedDelivery = parseProviderTime(resp.TrackingData.ETD)
	}
	for _, a := range resp.TrackingData.Activities {
		snap.Activities = append(snap.Activities, Activity{
			At:       parseProviderTime(a.Date),
			Status:   a.Status,
			Activity: a.Activity,
			Location: a.Location,
		})
	}
	if len(snap.Activities) > 0 {
		snap.Location = snap.Activities[0].Location
		if snap.RawStatus == "" {
			snap.RawStatus = snap.Activities[0].Status
		}
	}
	if status, ok := NormalizeStatus(snap.RawStatus); ok {
		snap.Status = status
	}
	return snap, nil
}

// Cancel asks the provider to cancel the shipments for awbs.
func (c *Client) Cancel(ctx context.Context, awbs []string, reason string) (*CancelResult, error) {
	ctx, span := util.StartSpan(ctx, "ShipmentClient.Cancel")
	defer span.End()

	if len(awbs) == 0 {
		return &CancelResult{Cancelled: []string{}}, nil
	}

	body := map[string]any{"awbs": awbs}
	if reason != "" {
		body["reason"] = reason
	}
	if err := c.do(ctx, "cancel", http.MethodPost, "/orders/cancel/shipment/awbs", body, nil); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	c.logger.Info("Shipments cancelled", zap.Strings("awbs", awbs), zap.String("reason", reason))
	return &CancelResult{Cancelled: awbs}, nil
}

// GenerateLabels produces label, invoice and manifest documents for shipmentIDs.
// A failing document is logged and left empty; only a label failure is an error.
func (c *Client) GenerateLabels(ctx context.Context, shipmentIDs []string) (*Labels, error) {
	ctx, span := util.StartSpan(ctx, "ShipmentClient.GenerateLabels")
	defer span.End()

	if len(shipmentIDs) == 0 {
		return nil, &ProviderError{Op: "generate_label", Message: "no shipment ids"}
	}

	var label struct {
		LabelCreated int    `json:"label_created"`
		LabelURL     string `json:"label_url"`
	}
	if err := c.do(ctx, "generate_label", http.MethodPost, "/courier/generate/label",
		map[string]any{"shipment_id": shipmentIDs}, &label); err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	labels := &Labels{LabelURL: label.LabelURL}

	var invoice struct {
		InvoiceURL string `json:"invoice_url"`
	}
	if err := c.do(ctx, "print_invoice", http.MethodPost, "/orders/print/invoice",
		map[string]any{"ids": shipmentIDs}, &invoice); err != nil {
		c.logger.Warn("Invoice generation failed", zap.Error(err))
	} else {
		labels.InvoiceURL = invoice.InvoiceURL
	}

	var manifest struct {
		ManifestURL string `json:"manifest_url"`
	}
	if err := c.do(ctx, "generate_manifest", http.MethodPost, "/manifests/generate",
		map[string]any{"shipment_id": shipmentIDs}, &manifest); err != nil {
		c.logger.Warn("Manifest generation failed", zap.Error(err))
	} else {
		labels.ManifestURL = manifest.ManifestURL
	}

	return labels, nil
}

// token returns a valid bearer token, logging in when the session has none or it
// is about to expire.
func (c *Client) token(ctx context.Context) (string, error) {
	if tok, ok := c.session.Token(c.now(), tokenRenewMargin); ok {
		return tok, nil
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if tok, ok := c.session.Token(c.now(), tokenRenewMargin); ok {
		return tok, nil
	}

	var resp struct {
		Token string `json:"token"`
	}
	creds := map[string]string{"email": c.cfg.Email, "password": c.cfg.Password}
	if err := c.send(ctx, "login", http.MethodPost, "/auth/login", "", creds, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &ProviderError{Op: "login", Message: "login response without token"}
	}

	c.session.Set(resp.Token, c.now().Add(c.cfg.TokenTTL))
	c.logger.Info("Shipment provider session renewed", zap.Time("expires_at", c.session.ExpiresAt()))
	return resp.Token, nil
}

// do performs an authenticated call. A 401 drops the session and retries once.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, op, method, path, tok, in, out)
		var perr *ProviderError
		if attempt == 0 && errors.As(err, &perr) && perr.StatusCode == http.StatusUnauthorized {
			c.logger.Warn("Shipment provider rejected token, logging in again", zap.String("op", op))
			c.session.Invalidate()
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, op, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &ProviderError{Op: op, Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	outcome := "error"
	defer func() {
		util.ProviderRequestDuration.WithLabelValues("shipment", op, outcome).
			Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ProviderError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	outcome = "ok"
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return string(raw)
}

type adhocItem struct {
	Name         string `json:"name"`
	SKU          string `json:"sku"`
	Units        int    `json:"units"`
	SellingPrice string `json:"selling_price"`
	HSN          string `json:"hsn,omitempty"`
}

type adhocOrder struct {
	OrderID           string      `json:"order_id"`
	OrderDate         string      `json:"order_date"`
	PickupLocation    string      `json:"pickup_location"`
	CustomerName      string      `json:"billing_customer_name"`
	Address           string      `json:"billing_address"`
	Address2          string      `json:"billing_address_2,omitempty"`
	City              string      `json:"billing_city"`
	Pincode           string      `json:"billing_pincode"`
	State             string      `json:"billing_state"`
	Country           string      `json:"billing_country"`
	Email             string      `json:"billing_email,omitempty"`
	Phone             string      `json:"billing_phone"`
	ShippingIsBilling bool        `json:"shipping_is_billing"`
	Items             []adhocItem `json:"order_items"`
	PaymentMethod     string      `json:"payment_method"`
	ShippingCharges   string      `json:"shipping_charges"`
	SubTotal          string      `json:"sub_total"`
	Length            string      `json:"length"`
	Breadth           string      `json:"breadth"`
	Height            string      `json:"height"`
	Weight            string      `json:"weight"`
}

// adhocOrder builds the provider payload from the frozen order snapshot. The parcel
// takes the largest item dimensions and the summed weight.
func (c *Client) adhocOrder(order *models.Order) adhocOrder {
	var length, breadth, height, weight decimal.Decimal
	items := make([]adhocItem, 0, len(order.Items))
	for _, li := range order.Items {
		items = append(items, adhocItem{
			Name:         li.Title,
			SKU:          skuOrID(li),
			Units:        li.Quantity,
			SellingPrice: li.Price.StringFixed(2),
			HSN:          li.TaxCode,
		})
		length = decimal.Max(length, li.LengthCm)
		breadth = decimal.Max(breadth, li.BreadthCm)
		height = decimal.Max(height, li.HeightCm)
		weight = weight.Add(li.WeightKg.Mul(decimal.NewFromInt(int64(li.Quantity))))
	}

	method := "Prepaid"
	if order.PaymentMethod == models.PaymentMethodCOD {
		method = "COD"
	}

	addr := order.ShippingAddress
	return adhocOrder{
		OrderID:           order.OrderNumber,
		OrderDate:         order.CreatedAt.Format("2006-01-02 15:04"),
		PickupLocation:    c.cfg.PickupLocation,
		CustomerName:      addr.Name,
		Address:           addr.Line1,
		Address2:          addr.Line2,
		City:              addr.City,
		Pincode:           addr.PostalCode,
		State:             addr.State,
		Country:           addr.Country,
		Email:             addr.Email,
		Phone:             addr.Phone,
		ShippingIsBilling: true,
		Items:             items,
		PaymentMethod:     method,
		ShippingCharges:   order.ShippingPrice.StringFixed(2),
		SubTotal:          order.ItemsPrice.StringFixed(2),
		Length:            length.String(),
		Breadth:           breadth.String(),
		Height:            height.String(),
		Weight:            weight.String(),
	}
}

func skuOrID(li models.LineItem) string {
	if li.SKU != "" {
		return li.SKU
	}
	return li.ProductID
}

// StatusUpdate is a carrier push notification for one AWB.
type StatusUpdate struct {
	AWB               string
	Status            models.ShipmentStatus
	RawStatus         string
	EstimatedDelivery *time.Time
}

// ParseStatusUpdate decodes the provider's tracking webhook body. A status label the
// mapping does not know leaves Status empty.
func ParseStatusUpdate(raw []byte) (*StatusUpdate, error) {
	var body struct {
		AWB           flexString `json:"awb"`
		CurrentStatus string     `json:"current_status"`
		ShipmentStat  string     `json:"shipment_status"`
		ETD           string     `json:"etd"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode shipment update: %w", err)
	}
	awb := strings.TrimSpace(string(body.AWB))
	if awb == "" {
		return nil, errors.New("shipment update without awb")
	}

	rawStatus := body.CurrentStatus
	if rawStatus == "" {
		rawStatus = body.ShipmentStat
	}
	update := &StatusUpdate{
		AWB:               awb,
		RawStatus:         rawStatus,
		EstimatedDelivery: parseProviderTime(body.ETD),
	}
	if status, ok := NormalizeStatus(rawStatus); ok {
		update.Status = status
	}
	return update, nil
}

// flexString accepts identifiers the provider sends as either JSON strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
