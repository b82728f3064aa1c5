package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/broadcasthub/platform/internal/broadcast"
	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/connection"
	"github.com/broadcasthub/platform/internal/delivery"
	"github.com/broadcasthub/platform/internal/dlt"
	"github.com/broadcasthub/platform/internal/metrics"
	"github.com/broadcasthub/platform/internal/model"

	netmw "github.com/broadcasthub/platform/pkg/api/middleware"
	"github.com/broadcasthub/platform/pkg/api/ratelimit"
	apperrors "github.com/broadcasthub/platform/pkg/errors"
	"github.com/broadcasthub/platform/pkg/logger"
	"github.com/broadcasthub/platform/pkg/messaging"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"
)

type serverDeps struct {
	broadcasts *broadcast.Service
	deliveries *delivery.Service
	dlt        *dlt.Service
	conns      *connection.Manager
	metrics    *metrics.Metrics
	db         *gorm.DB
	broker     messaging.Broker
	readBus    *bus.Publisher
	limiter    ratelimit.Limiter
	rateLimit  int64
}

var validate = validator.New()

func newEchoServer(d serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	rateLimitMW := echo.WrapMiddleware(netmw.RateLimitMiddleware(d.limiter, d.rateLimit, time.Minute))

	api := e.Group("/api/v1")
	api.POST("/broadcasts", d.createBroadcast, rateLimitMW)
	api.POST("/broadcasts/:id/cancel", d.cancelBroadcast)
	api.GET("/broadcasts", d.listBroadcasts)
	api.GET("/broadcasts/:id/deliveries", d.listDeliveries)
	api.POST("/deliveries/:id/read", d.markRead)

	api.GET("/dlt", d.listDlt)
	api.POST("/dlt/:id/redrive", d.redriveDlt)
	api.DELETE("/dlt/:id", d.deleteDlt)
	api.POST("/dlt/purge", d.purgeDlt)

	e.GET("/sse", d.streamSSE)
	e.GET("/healthz", d.healthz)
	e.GET("/metrics", echo.WrapHandler(d.metrics.Handler()))

	return e
}

// createBroadcastRequest is the wire DTO for POST /api/v1/broadcasts.
type createBroadcastRequest struct {
	SenderID    string     `json:"senderId" validate:"required"`
	SenderName  string     `json:"senderName"`
	Content     string     `json:"content" validate:"required"`
	TargetType  string     `json:"targetType" validate:"required,oneof=ALL SELECTED ROLE"`
	TargetIDs   []string   `json:"targetIds"`
	Priority    string     `json:"priority"`
	Category    string     `json:"category"`
	ScheduledAt *time.Time `json:"scheduledAt"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

func (d serverDeps) createBroadcast(c echo.Context) error {
	var req createBroadcastRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, apperrors.New(apperrors.CodeValidation, "malformed request body", err))
	}
	if err := validate.Struct(req); err != nil {
		return httpError(c, apperrors.New(apperrors.CodeValidation, err.Error(), err))
	}

	b, err := d.broadcasts.Create(c.Request().Context(), broadcast.CreateRequest{
		SenderID:    req.SenderID,
		SenderName:  req.SenderName,
		Content:     req.Content,
		TargetType:  model.TargetType(req.TargetType),
		TargetIDs:   req.TargetIDs,
		Priority:    req.Priority,
		Category:    req.Category,
		ScheduledAt: req.ScheduledAt,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (d serverDeps) cancelBroadcast(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return httpError(c, err)
	}
	ok, err := d.broadcasts.Cancel(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": ok})
}

func (d serverDeps) listBroadcasts(c echo.Context) error {
	filter := c.QueryParam("filter")
	rows, err := d.broadcasts.List(c.Request().Context(), filter)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (d serverDeps) listDeliveries(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return httpError(c, err)
	}
	rows, err := d.broadcasts.Deliveries(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

// markReadRequest is the wire DTO for POST /api/v1/deliveries/:id/read.
type markReadRequest struct {
	BroadcastID uint64 `json:"broadcastId" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
}

// markRead handles a client's read receipt: it flips the delivery row and
// stats locally, then publishes a READ event so C4 fans the receipt out to
// this user's other live sinks across the cluster.
func (d serverDeps) markRead(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return httpError(c, err)
	}
	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, apperrors.New(apperrors.CodeValidation, "malformed request body", err))
	}
	if err := validate.Struct(req); err != nil {
		return httpError(c, apperrors.New(apperrors.CodeValidation, err.Error(), err))
	}

	ctx := c.Request().Context()
	if err := d.deliveries.MarkRead(ctx, id, req.BroadcastID); err != nil {
		return httpError(c, err)
	}

	b, err := d.broadcasts.Get(ctx, req.BroadcastID)
	if err != nil {
		return httpError(c, err)
	}
	payload, err := bus.Encode(model.MessageDeliveryEvent{
		EventID:     uuid.New().String(),
		BroadcastID: req.BroadcastID,
		UserID:      req.UserID,
		EventType:   model.EventRead,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return httpError(c, err)
	}
	if err := d.readBus.Publish(ctx, bus.TopicFor(b.TargetType), req.UserID, payload); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (d serverDeps) listDlt(c echo.Context) error {
	rows, err := d.dlt.List(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (d serverDeps) redriveDlt(c echo.Context) error {
	if err := d.dlt.Redrive(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (d serverDeps) deleteDlt(c echo.Context) error {
	if err := d.dlt.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (d serverDeps) purgeDlt(c echo.Context) error {
	n, err := d.dlt.Purge(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"purged": n})
}

// streamSSE backs C6's live push. It blocks, writing one `event:`/`data:`
// frame per push, until the client disconnects.
func (d serverDeps) streamSSE(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return httpError(c, apperrors.New(apperrors.CodeValidation, "user_id is required", nil))
	}
	sessionID := c.QueryParam("session_id")

	ctx := c.Request().Context()
	sink, err := d.conns.Open(ctx, userID, sessionID)
	if err != nil {
		return httpError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	defer func() {
		if err := d.conns.Close(context.WithoutCancel(ctx), userID, sink.SessionID); err != nil {
			logger.L().WarnContext(ctx, "failed to close sse session", "error", err, "user_id", userID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sink.Closed():
			return nil
		case evt := <-sink.Events():
			fmt.Fprintf(w, "event: %s\n", evt.Name)
			if evt.ID != "" {
				fmt.Fprintf(w, "id: %s\n", evt.ID)
			}
			if len(evt.Data) > 0 {
				fmt.Fprintf(w, "data: %s\n", evt.Data)
			} else {
				fmt.Fprint(w, "data: {}\n")
			}
			fmt.Fprint(w, "\n")
			w.Flush()
		}
	}
}

func (d serverDeps) healthz(c echo.Context) error {
	ctx := c.Request().Context()
	sqlDB, err := d.db.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
	}
	if !d.broker.Healthy(ctx) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "broker unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func parseID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, apperrors.New(apperrors.CodeValidation, "invalid id", err)
	}
	return id, nil
}
