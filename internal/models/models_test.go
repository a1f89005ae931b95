package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus(t *testing.T) {
	for _, s := range AllOrderStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, OrderStatus("refunded").Valid())
	assert.False(t, OrderStatus("").Valid())

	assert.True(t, OrderStatusDelivered.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusShipped.IsTerminal())

	assert.True(t, ShipmentStatusOutForDelivery.Valid())
	assert.False(t, ShipmentStatus("lost").Valid())
}

func TestAmountInPaise(t *testing.T) {
	tests := []struct {
		total string
		want  int64
	}{
		{"1120", 112000},
		{"273.98", 27398},
		{"0.005", 1},
		{"0", 0},
	}
	for _, tt := range tests {
		o := &Order{TotalPrice: decimal.RequireFromString(tt.total)}
		assert.Equal(t, tt.want, o.AmountInPaise(), tt.total)
	}
}

func TestTrackingOmitsPrivateFields(t *testing.T) {
	shipped := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	o := &Order{
		ID:              "ord_1",
		OrderNumber:     "ORD-000001",
		UserID:          "user-1",
		Status:          OrderStatusShipped,
		ShippingAddress: Address{Name: "Asha", Phone: "9999999999"},
		TotalPrice:      decimal.NewFromInt(1120),
		Payment:         PaymentFacts{PaymentID: "pay_1", Status: PaymentStatusCaptured},
		Shipment:        ShipmentFacts{AWBNumber: "AWB1", Carrier: "Delhivery", ShipmentStatus: ShipmentStatusShipped},
		ShippedAt:       &shipped,
	}

	raw, err := json.Marshal(o.Tracking())
	require.NoError(t, err)

	var view map[string]any
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, "ORD-000001", view["orderNumber"])
	assert.Equal(t, "shipped", view["status"])
	assert.Equal(t, "captured", view["paymentStatus"])
	assert.Equal(t, "Delhivery", view["carrier"])
	for _, private := range []string{"userId", "shippingAddress", "totalPrice", "paymentDetails", "id"} {
		assert.NotContains(t, view, private)
	}
	assert.NotContains(t, string(raw), "pay_1")
	assert.NotContains(t, string(raw), "Asha")
}

func TestLastHistoryEntry(t *testing.T) {
	o := &Order{}
	_, ok := o.LastHistoryEntry()
	assert.False(t, ok)

	o.StatusHistory = StatusHistory{
		{Status: OrderStatusPending, Note: "Order placed"},
		{Status: OrderStatusPaid},
	}
	last, ok := o.LastHistoryEntry()
	require.True(t, ok)
	assert.Equal(t, OrderStatusPaid, last.Status)
}

func TestJSONBColumns(t *testing.T) {
	v, err := StatusHistory(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	v, err = PaymentFacts{GatewayOrderID: "gw_1", Status: PaymentStatusPending}.Value()
	require.NoError(t, err)

	var facts PaymentFacts
	require.NoError(t, facts.Scan([]byte(v.(string))))
	assert.Equal(t, "gw_1", facts.GatewayOrderID)

	var items LineItems
	require.NoError(t, items.Scan(nil))
	assert.Nil(t, items)
	assert.Error(t, items.Scan(42))
}
