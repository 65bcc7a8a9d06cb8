package resthttp

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ordo/internal/balance"
	"ordo/internal/broker"
	"ordo/internal/lifecycle"
	"ordo/internal/tracker"
	"ordo/internal/types"
)

// Router exposes the order lifecycle over REST.
type Router struct {
	lifecycle *lifecycle.Service
	tracker   *tracker.Tracker
	balances  *balance.Service
	brokers   *broker.Manager
}

func NewRouter(svc *lifecycle.Service, trk *tracker.Tracker, bal *balance.Service, brokers *broker.Manager) *Router {
	return &Router{lifecycle: svc, tracker: trk, balances: bal, brokers: brokers}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/orders", r.handleCreateOrder)
	group.GET("/orders/:ref", r.handleGetOrder)
	group.POST("/orders/:ref/amend", r.handleAmendOrder)
	group.POST("/orders/:ref/cancel", r.handleCancelOrder)
	group.GET("/positions", r.handleListPositions)
	group.GET("/positions/closed", r.handleClosedPositions)
	group.GET("/positions/:id", r.handleGetPosition)
	group.POST("/positions/:id/close", r.handleClosePosition)
	group.GET("/balances", r.handleBalances)
	group.GET("/brokers", r.handleBrokers)
}

// httpStatus maps the lifecycle error taxonomy onto HTTP statuses.
func httpStatus(code lifecycle.Code) int {
	switch code {
	case lifecycle.CodeInvalidSchema:
		return http.StatusBadRequest
	case lifecycle.CodeRiskSizing, lifecycle.CodeUnsupportedFeature:
		return http.StatusUnprocessableEntity
	case lifecycle.CodeDuplicateIntent:
		return http.StatusConflict
	case lifecycle.CodePositionNotFound:
		return http.StatusNotFound
	case lifecycle.CodeRoutingUnavailable:
		return http.StatusServiceUnavailable
	case lifecycle.CodeBrokerDown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := lifecycle.CodeOf(err)
	c.JSON(httpStatus(code), gin.H{"error": err.Error(), "error_code": string(code)})
}

func (r *Router) handleCreateOrder(c *gin.Context) {
	var intent types.OrderIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": string(lifecycle.CodeInvalidSchema)})
		return
	}
	if !callerKey(c).allowsStrategy(intent.Source.StrategyID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "key not allowed for strategy"})
		return
	}
	res, err := r.lifecycle.CreateOrder(c.Request.Context(), &intent)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleGetOrder(c *gin.Context) {
	ord, ok := r.lifecycle.GetOrder(c.Param("ref"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found", "error_code": string(lifecycle.CodePositionNotFound)})
		return
	}
	c.JSON(http.StatusOK, ord)
}

func (r *Router) handleAmendOrder(c *gin.Context) {
	var req types.AmendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": string(lifecycle.CodeInvalidSchema)})
		return
	}
	req.OrderRef = c.Param("ref")
	res, err := r.lifecycle.AmendOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleCancelOrder(c *gin.Context) {
	var req types.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": string(lifecycle.CodeInvalidSchema)})
		return
	}
	req.OrderRef = c.Param("ref")
	res, err := r.lifecycle.CancelOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleListPositions(c *gin.Context) {
	strategyID := c.Query("strategy_id")
	if strategyID != "" && !callerKey(c).allowsStrategy(strategyID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "key not allowed for strategy"})
		return
	}
	positions := r.tracker.ListPositions(strategyID)
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (r *Router) handleGetPosition(c *gin.Context) {
	pos, ok := r.tracker.GetPosition(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found", "error_code": string(lifecycle.CodePositionNotFound)})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (r *Router) handleClosedPositions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	closed, err := r.tracker.ClosedPositions(c.Request.Context(), c.Query("strategy_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": closed, "count": len(closed)})
}

func (r *Router) handleClosePosition(c *gin.Context) {
	var req types.CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": string(lifecycle.CodeInvalidSchema)})
		return
	}
	req.PositionID = c.Param("id")
	res, err := r.lifecycle.ClosePosition(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleBalances(c *gin.Context) {
	currency := c.DefaultQuery("currency", "USDT")
	strategyID := c.Query("strategy_id")
	if strategyID != "" {
		if !callerKey(c).allowsStrategy(strategyID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "key not allowed for strategy"})
			return
		}
		c.JSON(http.StatusOK, r.balances.StrategySnapshot(strategyID, currency))
		return
	}
	c.JSON(http.StatusOK, r.balances.Snapshot(currency))
}

func (r *Router) handleBrokers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"brokers": r.brokers.Snapshot(c.Request.Context())})
}
