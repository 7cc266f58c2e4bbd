package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/campground-power/internal/notify"
)

// Subscriber hands out notification feeds.  *notify.Hub satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan notify.Notification, func())
}

// NotificationHandler streams the operator feed as server-sent events.
type NotificationHandler struct {
	Hub       Subscriber
	Heartbeat time.Duration // comment line interval keeping proxies from idling out, default 15s
}

// Stream handles GET /v1/admin/notifications.  ?kinds=incident,commissioning
// restricts the feed to the listed kinds.
func (h *NotificationHandler) Stream(c echo.Context) error {
	kinds := map[notify.Kind]bool{}
	for _, k := range strings.Split(c.QueryParam("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[notify.Kind(k)] = true
		}
	}
	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	ctx := c.Request().Context()
	feed, cancel := h.Hub.Subscribe(ctx)
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	tick := time.NewTicker(heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case n, ok := <-feed:
			if !ok {
				return nil
			}
			if len(kinds) > 0 && !kinds[n.Kind] {
				continue
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(res, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Kind, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
