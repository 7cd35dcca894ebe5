package reconcile

import (
	"errors"

	"github.com/algotrendy/execution-core/pkg/response"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// GinHandlers contains HTTP handlers for anomaly review endpoints.
type GinHandlers struct {
	reconciler *Reconciler
}

func NewGinHandlers(reconciler *Reconciler) *GinHandlers {
	return &GinHandlers{reconciler: reconciler}
}

// ListAnomaliesHandler handles GET requests for unresolved anomalies.
func (h *GinHandlers) ListAnomaliesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		anomalies, err := h.reconciler.Anomalies()
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, anomalies)
	}
}

// ResolveAnomalyHandler handles POST requests marking an anomaly resolved.
// The symbol is resumed once no unresolved anomaly covers it.
// URL parameter: anomaly_id
func (h *GinHandlers) ResolveAnomalyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		anomalyID := c.Param("anomaly_id")

		if err := h.reconciler.Resolve(anomalyID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				response.NotFound(c, "Anomaly not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"anomaly_id": anomalyID, "resolved": true})
	}
}

// TriggerReconciliationHandler handles POST requests forcing an immediate
// reconciliation pass, useful after manual venue-side corrections.
func (h *GinHandlers) TriggerReconciliationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.reconciler.RunOnce(c.Request.Context()); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"reconciled": true})
	}
}
