package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Notification is a displayed notification.
type Notification struct {
	ID      string    `json:"id"`
	Payload Payload   `json:"payload"`
	ShownAt time.Time `json:"shownAt"`
}

// Notifier displays notifications. Showing a payload whose tag matches a
// displayed notification replaces it.
type Notifier interface {
	Show(ctx context.Context, p Payload) (Notification, error)
	Close(ctx context.Context, id string) error
}

// Tray is the agent's in-process notification tray.
type Tray struct {
	mu    sync.Mutex
	seq   atomic.Uint64
	items []Notification
	now   func() time.Time
}

func NewTray() *Tray {
	return &Tray{now: time.Now}
}

func (t *Tray) Show(_ context.Context, p Payload) (Notification, error) {
	n := Notification{
		ID:      fmt.Sprintf("n-%d", t.seq.Add(1)),
		Payload: p,
		ShownAt: t.now().UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Tag != "" {
		for i, cur := range t.items {
			if cur.Payload.Tag == p.Tag {
				t.items = append(t.items[:i], t.items[i+1:]...)
				break
			}
		}
	}
	t.items = append(t.items, n)

	log.Info("notification shown", "id", n.ID, "tag", p.Tag, "title", p.Title, "type", p.Data.Type)
	return n, nil
}

func (t *Tray) Close(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.items {
		if cur.ID == id {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Get returns the displayed notification with id.
func (t *Tray) Get(id string) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.items {
		if cur.ID == id {
			return cur, true
		}
	}
	return Notification{}, false
}

// Displayed returns the notifications currently shown, oldest first.
func (t *Tray) Displayed() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notification, len(t.items))
	copy(out, t.items)
	return out
}
