package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dar-k-dev/p-progress/internal/delivery"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/metrics"
)

// handleInstall takes over immediately instead of waiting for the previous
// agent's clients to close.
func (d *Dispatcher) handleInstall(ctx context.Context, st *State, _ Event) error {
	st.Installed = true
	st.Waiting = false
	logging.FromContext(ctx).Info("agent installed, skipping wait")
	return nil
}

// handleActivate claims every open client.
func (d *Dispatcher) handleActivate(ctx context.Context, st *State, _ Event) error {
	st.Controlling = true
	st.ActivatedAt = time.Now().UTC()

	windows, err := d.opts.Windows.List(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	logging.FromContext(ctx).Info("agent activated", "clients", len(windows))
	return nil
}

func (d *Dispatcher) handlePush(ctx context.Context, st *State, ev Event) error {
	l := logging.FromContext(ctx)

	if ev.MessageID != "" {
		if err := st.seenPushMessage.Add(ev.MessageID, struct{}{}, cache.DefaultExpiration); err != nil {
			l.Debug("duplicate push message dropped", "messageId", ev.MessageID)
			return nil
		}
	}
	st.PushesReceived++
	st.LastPushAt = time.Now().UTC()

	payload, err := ParsePayload(ev.Body)
	if err != nil {
		l.Warn("unreadable push payload, showing fallback", logging.KeyError, err)
		payload = FallbackPayload()
		st.FallbacksShown++
	}

	d.show(ctx, payload)

	if payload.Data.Type == TypeUpdate && d.opts.Checker != nil {
		d.opts.Checker.TriggerCheck()
	}
	return nil
}

// show displays p. A failed display is queued for redelivery and is not an
// error for the event.
func (d *Dispatcher) show(ctx context.Context, p Payload) {
	l := logging.FromContext(ctx)

	n, err := d.opts.Notifier.Show(ctx, p)
	if err != nil {
		l.Warn("notification display failed", logging.KeyTag, p.Tag, logging.KeyError, err)
		body, _ := json.Marshal(p)
		d.enqueue(ctx, delivery.Request{Kind: delivery.KindNotification, Payload: body})
		return
	}
	metrics.RecordNotification(typeLabel(p))
	d.sendReceipt(ctx, "shown", n)
}

func (d *Dispatcher) sendReceipt(ctx context.Context, event string, n Notification) {
	if d.opts.ReceiptURL == "" || d.opts.Deliverer == nil {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"event":          event,
		"notificationId": n.ID,
		"tag":            n.Payload.Tag,
		"type":           n.Payload.Data.Type,
		"at":             time.Now().UTC(),
	})
	if err := d.opts.Deliverer.Deliver(ctx, d.opts.ReceiptURL, body); err != nil {
		logging.FromContext(ctx).Debug("receipt delivery failed", logging.KeyError, err)
		d.enqueue(ctx, delivery.Request{Kind: delivery.KindHTTP, Target: d.opts.ReceiptURL, Payload: body})
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, req delivery.Request) {
	if d.opts.Queue == nil {
		logging.FromContext(ctx).Warn("delivery dropped, no retry queue", "kind", req.Kind)
		return
	}
	if _, err := d.opts.Queue.Enqueue(req); err != nil {
		logging.FromContext(ctx).Error("enqueue delivery failed", logging.KeyError, err)
	}
}

func (d *Dispatcher) handleClick(ctx context.Context, _ *State, ev Event) error {
	l := logging.FromContext(ctx)

	if err := d.opts.Notifier.Close(ctx, ev.Notification.ID); err != nil {
		l.Warn("close notification failed", logging.KeyError, err)
	}
	metrics.RecordClick(ev.Action)
	d.sendReceipt(ctx, "clicked", ev.Notification)

	switch ev.Action {
	case ActionLater, ActionClose:
		l.Debug("notification dismissed", "action", ev.Action)
		return nil
	case ActionUpdate:
		return d.focusOrOpen(ctx, settingsUpdatePath)
	default:
		return d.focusOrOpen(ctx, ev.Notification.Payload.Data.URL)
	}
}

// focusOrOpen focuses a window on our origin and navigates it to ref, or
// opens a new window when none exists.
func (d *Dispatcher) focusOrOpen(ctx context.Context, ref string) error {
	target, err := resolve(d.origin, ref)
	if err != nil {
		logging.FromContext(ctx).Warn("ignoring notification url", logging.KeyError, err)
		if target, err = resolve(d.origin, defaultURL); err != nil {
			return err
		}
	}

	windows, err := d.opts.Windows.List(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	for _, w := range windows {
		if !sameOrigin(d.origin, w.URL) {
			continue
		}
		if err := d.opts.Windows.Focus(ctx, w.ID); err != nil {
			return fmt.Errorf("focus window: %w", err)
		}
		if w.URL != target {
			if err := d.opts.Windows.Navigate(ctx, w.ID, target); err != nil {
				return fmt.Errorf("navigate window: %w", err)
			}
		}
		return nil
	}

	if _, err := d.opts.Windows.Open(ctx, target); err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleClose(ctx context.Context, _ *State, ev Event) error {
	logging.FromContext(ctx).Debug("notification closed", "id", ev.Notification.ID, logging.KeyTag, ev.Notification.Payload.Tag)
	metrics.RecordClick(ActionClose)
	return nil
}

func (d *Dispatcher) handleSync(ctx context.Context, st *State, _ Event) error {
	if d.opts.Queue == nil {
		return nil
	}
	res, err := d.opts.Queue.Drain(ctx, d.redeliver, d.opts.Drain)
	st.LastSyncAt = time.Now().UTC()
	st.LastSyncResult = res
	if err != nil {
		return fmt.Errorf("drain pending deliveries: %w", err)
	}
	logging.FromContext(ctx).Info("pending deliveries drained",
		"delivered", res.Delivered, "failed", res.Failed, "abandoned", res.Abandoned)
	return nil
}

// redeliver retries one queued delivery. Downstream tolerates duplicates.
func (d *Dispatcher) redeliver(ctx context.Context, e delivery.Entry) error {
	switch e.Request.Kind {
	case delivery.KindNotification:
		var p Payload
		if err := json.Unmarshal(e.Request.Payload, &p); err != nil {
			p = FallbackPayload()
		}
		if _, err := d.opts.Notifier.Show(ctx, p); err != nil {
			return err
		}
		metrics.RecordNotification(typeLabel(p))
		return nil
	case delivery.KindHTTP:
		if d.opts.Deliverer == nil {
			return fmt.Errorf("no deliverer for %s", e.Request.Target)
		}
		return d.opts.Deliverer.Deliver(ctx, e.Request.Target, e.Request.Payload)
	}
	return fmt.Errorf("unknown delivery kind %q", e.Request.Kind)
}

func (d *Dispatcher) handleMessage(ctx context.Context, st *State, ev Event) error {
	switch ev.Command.Type {
	case CommandSkipWaiting:
		st.Waiting = false
		return nil
	case CommandShowNotification:
		if ev.Command.Payload == nil {
			return fmt.Errorf("%s without payload", CommandShowNotification)
		}
		d.show(ctx, ev.Command.Payload.withDefaults())
		return nil
	case CommandCheckUpdate:
		if d.opts.Checker != nil {
			d.opts.Checker.TriggerCheck()
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", ev.Command.Type)
}

func typeLabel(p Payload) string {
	if p.Data.Type == "" {
		return "generic"
	}
	return p.Data.Type
}
