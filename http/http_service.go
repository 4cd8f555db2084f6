// Package http exposes a read-only admin API for inspecting orders and the
// node connection.
package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flokiorg/lokilsp/lnclient"
	"github.com/flokiorg/lokilsp/lsps/engine"
	"github.com/flokiorg/lokilsp/lsps/persist"
)

type HttpService struct {
	store    *persist.Store
	lnClient lnclient.LNClient
	engine   *engine.Engine
}

type ErrorResponse struct {
	Message string `json:"message"`
}

func NewHttpService(store *persist.Store, lnClient lnclient.LNClient, eng *engine.Engine) *HttpService {
	return &HttpService{
		store:    store,
		lnClient: lnClient,
		engine:   eng,
	}
}

func (httpSvc *HttpService) RegisterRoutes(e *echo.Echo) {
	e.Use(middleware.Recover())

	e.GET("/api/health", httpSvc.healthHandler)
	e.GET("/api/node", httpSvc.nodeInfoHandler)
	e.GET("/api/orders", httpSvc.listOrdersHandler)
	e.GET("/api/orders/:uuid", httpSvc.getOrderHandler)
}

func (httpSvc *HttpService) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (httpSvc *HttpService) nodeInfoHandler(c echo.Context) error {
	ctx := c.Request().Context()
	info, err := httpSvc.lnClient.GetInfo(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, info)
}

type orderListItem struct {
	UUID          string    `json:"uuid"`
	ClientNodeID  string    `json:"client_node_id"`
	LspBalanceSat uint64    `json:"lsp_balance_sat"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (httpSvc *HttpService) listOrdersHandler(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	orders, err := httpSvc.store.ListOrders(limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}

	items := make([]orderListItem, 0, len(orders))
	for i := range orders {
		order := &orders[i]
		state, err := httpSvc.store.CurrentOrderState(order.ID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
		}
		items = append(items, orderListItem{
			UUID:          order.UUID,
			ClientNodeID:  order.ClientNodeID,
			LspBalanceSat: order.LspBalanceSat,
			State:         state,
			CreatedAt:     order.CreatedAt,
			ExpiresAt:     order.ExpiresAt,
		})
	}
	return c.JSON(http.StatusOK, items)
}

type orderDetail struct {
	Order        orderListItem       `json:"order"`
	PaymentState string              `json:"payment_state,omitempty"`
	FeeTotalSat  uint64              `json:"fee_total_sat,omitempty"`
	OrderTotal   uint64              `json:"order_total_sat,omitempty"`
	Invoice      string              `json:"bolt11_invoice,omitempty"`
	Channel      *orderDetailChannel `json:"channel,omitempty"`
	OrderHistory []historyEntry      `json:"order_history"`
}

type orderDetailChannel struct {
	FundingTxID   string    `json:"funding_txid"`
	FundingOutnum uint32    `json:"funding_outnum"`
	FundedAt      time.Time `json:"funded_at"`
}

type historyEntry struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func (httpSvc *HttpService) getOrderHandler(c echo.Context) error {
	info, err := httpSvc.engine.GetOrder(c.Param("uuid"))
	if err != nil {
		if err == engine.ErrOrderNotFound {
			return c.JSON(http.StatusNotFound, ErrorResponse{Message: "order not found"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}

	detail := orderDetail{
		Order: orderListItem{
			UUID:          info.Order.UUID,
			ClientNodeID:  info.Order.ClientNodeID,
			LspBalanceSat: info.Order.LspBalanceSat,
			State:         info.OrderState,
			CreatedAt:     info.Order.CreatedAt,
			ExpiresAt:     info.Order.ExpiresAt,
		},
	}
	if info.Payment != nil {
		detail.FeeTotalSat = info.Payment.FeeTotalSat
		detail.OrderTotal = info.Payment.OrderTotalSat
		detail.Invoice = info.Payment.Bolt11Invoice
	}
	if info.PaymentState != nil {
		detail.PaymentState = info.PaymentState.State
	}
	if info.Channel != nil {
		detail.Channel = &orderDetailChannel{
			FundingTxID:   info.Channel.FundingTxID,
			FundingOutnum: info.Channel.FundingOutnum,
			FundedAt:      info.Channel.FundedAt,
		}
	}

	history, err := httpSvc.store.OrderStateHistory(info.Order.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	for _, entry := range history {
		detail.OrderHistory = append(detail.OrderHistory, historyEntry{
			State:     entry.State,
			CreatedAt: entry.CreatedAt,
		})
	}

	return c.JSON(http.StatusOK, detail)
}
