package ucp

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/sumup/ucp/order"
)

func TestOrderRoutes(t *testing.T) {
	t.Parallel()

	confirmed := &order.Order{ID: "ord_1", CheckoutID: "chk_1", Status: order.StatusConfirmed}

	tests := map[string]struct {
		method     string
		path       string
		body       any
		orders     *stubOrders
		refunds    *stubRefunder
		wantStatus int
		wantCode   ErrorCode
	}{
		"get order": {
			method: http.MethodGet,
			path:   "/orders/ord_1",
			orders: &stubOrders{
				get: func(ctx context.Context, tenantID, id string) (*order.Order, error) {
					return confirmed, nil
				},
			},
			wantStatus: http.StatusOK,
		},
		"unknown order": {
			method: http.MethodGet,
			path:   "/orders/ord_404",
			orders: &stubOrders{
				get: func(ctx context.Context, tenantID, id string) (*order.Order, error) {
					return nil, order.ErrNotFound
				},
			},
			wantStatus: http.StatusNotFound,
			wantCode:   ResourceNotFound,
		},
		"add event": {
			method: http.MethodPost,
			path:   "/orders/ord_1/events",
			body:   order.EventInput{Type: order.EventShipped, Carrier: "UPS", TrackingNumber: "1Z"},
			orders: &stubOrders{
				addEvent: func(ctx context.Context, tenantID, id string, in order.EventInput) (*order.Order, error) {
					if in.Type != order.EventShipped || in.TrackingNumber != "1Z" {
						return nil, fmt.Errorf("unexpected event %+v", in)
					}
					return confirmed, nil
				},
			},
			wantStatus: http.StatusCreated,
		},
		"illegal event": {
			method: http.MethodPost,
			path:   "/orders/ord_1/events",
			body:   order.EventInput{Type: order.EventDelivered},
			orders: &stubOrders{
				addEvent: func(ctx context.Context, tenantID, id string, in order.EventInput) (*order.Order, error) {
					return nil, fmt.Errorf("%w: confirmed to delivered", order.ErrInvalidTransition)
				},
			},
			wantStatus: http.StatusConflict,
			wantCode:   InvalidTransition,
		},
		"credit adjustment": {
			method: http.MethodPost,
			path:   "/orders/ord_1/adjustments",
			body:   order.AdjustmentInput{Type: order.AdjustmentCredit, Amount: 100},
			orders: &stubOrders{
				addAdjustment: func(ctx context.Context, tenantID, id string, in order.AdjustmentInput) (*order.Order, error) {
					return confirmed, nil
				},
			},
			refunds: &stubRefunder{
				refund: func(ctx context.Context, tenantID, orderID string, amount int64, reason string) (*order.Order, error) {
					return nil, fmt.Errorf("credits must not go through the payment handler")
				},
			},
			wantStatus: http.StatusCreated,
		},
		"refund goes through refunder": {
			method: http.MethodPost,
			path:   "/orders/ord_1/adjustments",
			body:   order.AdjustmentInput{Type: order.AdjustmentRefund, Amount: 500, Reason: "damaged"},
			orders: &stubOrders{},
			refunds: &stubRefunder{
				refund: func(ctx context.Context, tenantID, orderID string, amount int64, reason string) (*order.Order, error) {
					if orderID != "ord_1" || amount != 500 || reason != "damaged" {
						return nil, fmt.Errorf("unexpected refund %s %d %s", orderID, amount, reason)
					}
					return confirmed, nil
				},
			},
			wantStatus: http.StatusCreated,
		},
		"refund over total": {
			method: http.MethodPost,
			path:   "/orders/ord_1/adjustments",
			body:   order.AdjustmentInput{Type: order.AdjustmentRefund, Amount: 50000},
			orders: &stubOrders{},
			refunds: &stubRefunder{
				refund: func(ctx context.Context, tenantID, orderID string, amount int64, reason string) (*order.Order, error) {
					return nil, order.ErrRefundExceedsTotal
				},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   RefundExceedsTotal,
		},
		"refund without refunder records directly": {
			method: http.MethodPost,
			path:   "/orders/ord_1/adjustments",
			body:   order.AdjustmentInput{Type: order.AdjustmentRefund, Amount: 500},
			orders: &stubOrders{
				addAdjustment: func(ctx context.Context, tenantID, id string, in order.AdjustmentInput) (*order.Order, error) {
					return confirmed, nil
				},
			},
			wantStatus: http.StatusCreated,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			svc := Services{Orders: tt.orders}
			if tt.refunds != nil {
				svc.Refunds = tt.refunds
			}
			rec := serve(t, NewHandler(svc), tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d got %d, body=%s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantCode != "" {
				if got := getErrorCode(rec.Body.Bytes()); got != string(tt.wantCode) {
					t.Fatalf("expected code %s got %s", tt.wantCode, got)
				}
			}
		})
	}
}

type stubOrders struct {
	get           func(context.Context, string, string) (*order.Order, error)
	addEvent      func(context.Context, string, string, order.EventInput) (*order.Order, error)
	addAdjustment func(context.Context, string, string, order.AdjustmentInput) (*order.Order, error)
}

func (s *stubOrders) GetOrder(ctx context.Context, tenantID, id string) (*order.Order, error) {
	if s.get != nil {
		return s.get(ctx, tenantID, id)
	}
	return nil, errNotImplemented
}

func (s *stubOrders) AddEvent(ctx context.Context, tenantID, id string, in order.EventInput) (*order.Order, error) {
	if s.addEvent != nil {
		return s.addEvent(ctx, tenantID, id, in)
	}
	return nil, errNotImplemented
}

func (s *stubOrders) AddAdjustment(ctx context.Context, tenantID, id string, in order.AdjustmentInput) (*order.Order, error) {
	if s.addAdjustment != nil {
		return s.addAdjustment(ctx, tenantID, id, in)
	}
	return nil, errNotImplemented
}

type stubRefunder struct {
	refund func(context.Context, string, string, int64, string) (*order.Order, error)
}

func (s *stubRefunder) RefundOrder(ctx context.Context, tenantID, orderID string, amount int64, reason string) (*order.Order, error) {
	if s.refund != nil {
		return s.refund(ctx, tenantID, orderID, amount, reason)
	}
	return nil, errNotImplemented
}
