package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/notifyhub/notifyhub/app/database"
	"github.com/notifyhub/notifyhub/app/registry"
	"github.com/notifyhub/notifyhub/app/stream"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	})
}

func (h *Handler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	userCount, err := h.users.GetUserCount(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_users", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	subCount, err := h.subscriptions.GetSubscriptionCount(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_subscriptions", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	eventCount, err := h.events.CountEvents(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_events", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	sentCount, err := h.notifications.CountSentNotifications(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_sent", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"users":              userCount,
		"subscriptions":      subCount,
		"events":             eventCount,
		"notifications_sent": sentCount,
		"live_connections":   h.hub.ConnectionCount(),
	})
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	user := currentUser(c)

	subs, err := h.subscriptions.ListSubscriptions(c.Request.Context(), user.ID)
	if err != nil {
		slog.Error("Database error", "operation", "list_subscriptions", "user_id", user.ID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, lo.Map(subs, func(sub database.Subscription, _ int) SubscriptionResponse {
		return subscriptionResponse(sub)
	}))
}

func (h *Handler) CreateSubscription(c *gin.Context) {
	user := currentUser(c)

	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := database.Subscription{
		UserID:       user.ID,
		SourceType:   database.SourceType(req.SourceType),
		Params:       string(req.Params),
		EmailEnabled: req.EmailEnabled,
		Enabled:      req.Enabled == nil || *req.Enabled,
	}
	if err := h.registry.Upsert(c.Request.Context(), &sub); err != nil {
		h.writeError(c, "create_subscription", err)
		return
	}

	c.JSON(http.StatusCreated, subscriptionResponse(sub))
}

func (h *Handler) UpdateSubscription(c *gin.Context) {
	user := currentUser(c)

	id, ok := pathID(c)
	if !ok {
		return
	}

	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := database.Subscription{
		ID:           id,
		UserID:       user.ID,
		SourceType:   database.SourceType(req.SourceType),
		Params:       string(req.Params),
		EmailEnabled: req.EmailEnabled,
		Enabled:      req.Enabled == nil || *req.Enabled,
	}
	if err := h.registry.Upsert(c.Request.Context(), &sub); err != nil {
		h.writeError(c, "update_subscription", err)
		return
	}

	c.JSON(http.StatusOK, subscriptionResponse(sub))
}

func (h *Handler) DeleteSubscription(c *gin.Context) {
	user := currentUser(c)

	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.registry.Delete(c.Request.Context(), user.ID, id); err != nil {
		h.writeError(c, "delete_subscription", err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) ListRules(c *gin.Context) {
	user := currentUser(c)

	subID, err := strconv.ParseInt(c.Query("subscription_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscription_id query parameter required"})
		return
	}

	sub, err := h.subscriptions.GetSubscription(c.Request.Context(), subID)
	if err != nil {
		slog.Error("Database error", "operation", "get_subscription", "subscription_id", subID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if sub == nil || sub.UserID != user.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}

	rules, err := h.rules.ListRules(c.Request.Context(), subID)
	if err != nil {
		slog.Error("Database error", "operation", "list_rules", "subscription_id", subID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, lo.Map(rules, func(rule database.Rule, _ int) RuleResponse {
		return ruleResponse(rule)
	}))
}

func (h *Handler) CreateRule(c *gin.Context) {
	user := currentUser(c)

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := ruleFromRequest(req)
	if err := h.registry.CreateRule(c.Request.Context(), user.ID, &rule); err != nil {
		h.writeError(c, "create_rule", err)
		return
	}

	c.JSON(http.StatusCreated, ruleResponse(rule))
}

func (h *Handler) UpdateRule(c *gin.Context) {
	user := currentUser(c)

	id, ok := pathID(c)
	if !ok {
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := ruleFromRequest(req)
	rule.ID = id
	if err := h.registry.UpdateRule(c.Request.Context(), user.ID, &rule); err != nil {
		h.writeError(c, "update_rule", err)
		return
	}

	c.JSON(http.StatusOK, ruleResponse(rule))
}

func (h *Handler) DeleteRule(c *gin.Context) {
	user := currentUser(c)

	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.registry.DeleteRule(c.Request.Context(), user.ID, id); err != nil {
		h.writeError(c, "delete_rule", err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) ListNotifications(c *gin.Context) {
	user := currentUser(c)

	filter := database.NotificationFilter{UserID: user.ID}

	if status := c.Query("status"); status != "" {
		s := database.Status(status)
		if !s.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + status})
			return
		}
		filter.Status = s
	}

	from, ok := timeQuery(c, "from")
	if !ok {
		return
	}
	filter.From = from

	to, ok := timeQuery(c, "to")
	if !ok {
		return
	}
	filter.To = to

	size := defaultPageSize
	if raw := c.Query("size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
			return
		}
		size = min(v, maxPageSize)
	}
	page := 0
	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
			return
		}
		page = v
	}
	filter.Limit = size
	filter.Offset = page * size

	rows, err := h.notifications.ListNotifications(c.Request.Context(), filter)
	if err != nil {
		slog.Error("Database error", "operation", "list_notifications", "user_id", user.ID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"page":  page,
		"size":  size,
		"items": lo.Map(rows, func(row database.NotificationRow, _ int) stream.NotificationView {
			return stream.ViewFromRow(row)
		}),
	})
}

func ruleFromRequest(req RuleRequest) database.Rule {
	return database.Rule{
		SubscriptionID:     req.SubscriptionID,
		KeywordFilter:      req.KeywordFilter,
		DedupWindowMinutes: req.DedupWindowMinutes,
		RateLimitPerHour:   req.RateLimitPerHour,
		Priority:           database.Priority(req.Priority),
		QuietHoursStart:    req.QuietHoursStart,
		QuietHoursEnd:      req.QuietHoursEnd,
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func timeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + ", expected RFC3339"})
		return nil, false
	}
	return &t, true
}

func (h *Handler) writeError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, registry.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Request failed", "operation", operation, "error", err)
		c.Status(http.StatusInternalServerError)
	}
}
