package shopcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Tag   string `json:"tag"`
	// TargetURL is opened when the notification is clicked.
	TargetURL string `json:"targetUrl"`
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
}

func notificationTag(slug string) string { return slug + "-notification" }

// notificationFor builds the notification for a push payload. Missing fields
// fall back to store-branded defaults. A payload that is not a JSON object is
// shown verbatim as the body.
func (h *Handlers) notificationFor(payload []byte) Notification {
	var p pushPayload
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &p); err != nil {
			p = pushPayload{Body: string(trimmed)}
		}
	}

	n := Notification{
		Title:     p.Title,
		Body:      p.Body,
		Icon:      p.Icon,
		Tag:       notificationTag(h.id.Slug),
		TargetURL: p.URL,
	}
	if n.Title == "" {
		n.Title = h.id.Slug + " Store"
	}
	if n.Body == "" {
		n.Body = h.env.DefaultPushBody
	}
	if n.Icon == "" {
		n.Icon = h.env.IconPath
	}
	if n.TargetURL == "" {
		n.TargetURL = h.id.Scope
	}
	return n
}

func (h *Handlers) push(ctx context.Context, payload []byte) (Result, error) {
	n := h.notificationFor(payload)
	if err := h.env.Notifier.Show(ctx, n); err != nil {
		return Result{}, fmt.Errorf("show notification: %w", err)
	}
	h.log.Debug("notification shown", zap.String("tag", n.Tag), zap.String("target", n.TargetURL))
	return Result{Notification: &n}, nil
}

// notificationClick closes n and returns only after the target page has been
// opened or focused.
func (h *Handlers) notificationClick(ctx context.Context, n Notification) (Result, error) {
	if err := h.env.Notifier.Close(ctx, n.Tag); err != nil {
		h.log.Warn("close notification", zap.String("tag", n.Tag), zap.Error(err))
	}
	target := n.TargetURL
	if target == "" {
		target = h.id.Scope
	}
	if err := h.env.Clients.OpenWindow(ctx, target); err != nil {
		return Result{}, fmt.Errorf("open %s: %w", target, err)
	}
	return Result{OpenedURL: target}, nil
}
