package gateway

import (
	"errors"

	"github.com/algotrendy/execution-core/internal/types"
	"github.com/algotrendy/execution-core/pkg/response"
	"github.com/gin-gonic/gin"
)

// GinHandlers contains HTTP handlers for order and position endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers over the gateway.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SubmitOrderHandler handles POST requests to submit trade intents.
// The intent body must carry a client intent key; resubmitting the same key
// returns the original order.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var intent types.OrderIntent
		if err := c.ShouldBindJSON(&intent); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		handle, err := h.service.Submit(c.Request.Context(), &intent)
		if err != nil {
			response.HandleWithResult(c, handle, err)
			return
		}
		response.Success(c, handle)
	}
}

// GetOrderHandler handles GET requests for order status.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID)
		if err != nil {
			if errors.Is(err, types.ErrOrderNotFound) {
				response.NotFound(c, "Order not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, order)
	}
}

// ListFillsHandler handles GET requests for the fills of one order.
// URL parameter: order_id
func (h *GinHandlers) ListFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		if _, err := h.service.GetOrder(orderID); err != nil {
			if errors.Is(err, types.ErrOrderNotFound) {
				response.NotFound(c, "Order not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		fills, err := h.service.Fills(orderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, fills)
	}
}

// CancelOrderHandler handles DELETE requests to cancel working orders.
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		handle, err := h.service.Cancel(c.Request.Context(), orderID)
		if err != nil {
			response.HandleWithResult(c, handle, err)
			return
		}
		response.Success(c, handle)
	}
}

// ListPositionsHandler handles GET requests for the position snapshot,
// marked to market on a best-effort basis.
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.service.Ledger().Positions(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, positions)
	}
}

// GetPositionHandler handles GET requests for one symbol's position.
// URL parameter: symbol
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")

		position, err := h.service.Ledger().MarkToMarket(c.Request.Context(), symbol)
		if err != nil {
			response.NotFound(c, "Position not found")
			return
		}
		response.Success(c, position)
	}
}

// ResumeSymbolHandler handles POST requests lifting a symbol halt after
// manual resolution of a ledger anomaly.
func (h *GinHandlers) ResumeSymbolHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		h.service.ResumeSymbol(symbol)
		response.Success(c, gin.H{"symbol": symbol, "halted": false})
	}
}
