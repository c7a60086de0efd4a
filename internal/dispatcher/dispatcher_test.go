package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dar-k-dev/p-progress/internal/delivery"
	"github.com/dar-k-dev/p-progress/internal/store"
)

const origin = "https://app.example.com"

type fakeWindows struct {
	mu        sync.Mutex
	open      []Window
	focused   []string
	navigated []string
	opened    []string
	seq       int
}

func (f *fakeWindows) List(context.Context) ([]Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Window(nil), f.open...), nil
}

func (f *fakeWindows) Focus(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, id)
	return nil
}

func (f *fakeWindows) Navigate(_ context.Context, id, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, target)
	return nil
}

func (f *fakeWindows) Open(_ context.Context, target string) (Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	w := Window{ID: "new", URL: target}
	f.opened = append(f.opened, target)
	f.open = append(f.open, w)
	return w, nil
}

type flakyNotifier struct {
	*Tray
	fail atomic.Bool
}

func (f *flakyNotifier) Show(ctx context.Context, p Payload) (Notification, error) {
	if f.fail.Load() {
		return Notification{}, errors.New("display unavailable")
	}
	return f.Tray.Show(ctx, p)
}

type fakeDeliverer struct {
	mu   sync.Mutex
	fail bool
	sent []string
}

func (f *fakeDeliverer) Deliver(_ context.Context, target string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("offline")
	}
	f.sent = append(f.sent, target)
	return nil
}

type countingChecker struct{ n atomic.Int32 }

func (c *countingChecker) TriggerCheck() { c.n.Add(1) }

type harness struct {
	d         *Dispatcher
	notifier  *flakyNotifier
	windows   *fakeWindows
	queue     *delivery.Queue
	deliverer *fakeDeliverer
	checker   *countingChecker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{
		notifier:  &flakyNotifier{Tray: NewTray()},
		windows:   &fakeWindows{},
		queue:     delivery.NewQueue(s),
		deliverer: &fakeDeliverer{},
		checker:   &countingChecker{},
	}
	d, err := New(Options{
		Origin:    origin,
		Notifier:  h.notifier,
		Windows:   h.windows,
		Queue:     h.queue,
		Deliverer: h.deliverer,
		Checker:   h.checker,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close(context.Background()) })
	h.d = d
	return h
}

func (h *harness) dispatch(t *testing.T, ev Event) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.d.DispatchWait(ctx, ev)
}

func TestPushShowsNotification(t *testing.T) {
	h := newHarness(t)
	body := `{"title":"Goal reached","body":"Well done","tag":"goal-1","data":{"type":"progress","url":"/goals/1"}}`
	if err := h.dispatch(t, Event{Kind: EventPush, Body: []byte(body)}); err != nil {
		t.Fatalf("push: %v", err)
	}
	shown := h.notifier.Displayed()
	if len(shown) != 1 || shown[0].Payload.Title != "Goal reached" {
		t.Fatalf("displayed = %+v", shown)
	}
	if shown[0].Payload.Icon != defaultIcon {
		t.Fatalf("icon default not applied: %q", shown[0].Payload.Icon)
	}
}

func TestUnparseablePushShowsExactlyOneFallback(t *testing.T) {
	for _, body := range []string{"", "   ", "{not json", "[1,2"} {
		h := newHarness(t)
		if err := h.dispatch(t, Event{Kind: EventPush, Body: []byte(body)}); err != nil {
			t.Fatalf("push %q: %v", body, err)
		}
		shown := h.notifier.Displayed()
		if len(shown) != 1 {
			t.Fatalf("body %q: displayed %d notifications, want 1", body, len(shown))
		}
		if shown[0].Payload.Data.Type != TypeFallback {
			t.Fatalf("body %q: shown %+v, want fallback", body, shown[0].Payload)
		}
		st, _ := h.d.Snapshot(context.Background())
		if st.FallbacksShown != 1 {
			t.Fatalf("FallbacksShown = %d", st.FallbacksShown)
		}
	}
}

func TestSameTagReplaces(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, Event{Kind: EventPush, Body: []byte(`{"title":"one","tag":"daily-reminder"}`)})
	h.dispatch(t, Event{Kind: EventPush, Body: []byte(`{"title":"two","tag":"daily-reminder"}`)})
	h.dispatch(t, Event{Kind: EventPush, Body: []byte(`{"title":"other","tag":"goal-3"}`)})

	shown := h.notifier.Displayed()
	if len(shown) != 2 {
		t.Fatalf("displayed %d, want 2", len(shown))
	}
	if shown[0].Payload.Title != "two" {
		t.Fatalf("replacement missing: %+v", shown)
	}
}

func TestDuplicatePushMessageShownOnce(t *testing.T) {
	h := newHarness(t)
	ev := Event{Kind: EventPush, MessageID: "msg-1", Body: []byte(`{"title":"hi"}`)}
	h.dispatch(t, ev)
	h.dispatch(t, ev)
	if n := len(h.notifier.Displayed()); n != 1 {
		t.Fatalf("displayed %d, want 1", n)
	}
}

func TestUpdatePushTriggersCheck(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, Event{Kind: EventPush, Body: []byte(`{"title":"Update","data":{"type":"update","version":"1.0.2"}}`)})
	if h.checker.n.Load() != 1 {
		t.Fatalf("checks triggered = %d, want 1", h.checker.n.Load())
	}
	shown := h.notifier.Displayed()
	if len(shown[0].Payload.Data.Actions) != 2 {
		t.Fatalf("update notification should carry actions: %+v", shown[0].Payload)
	}
}

func TestClickLaterDoesNotNavigate(t *testing.T) {
	for _, action := range []string{ActionLater, ActionClose} {
		h := newHarness(t)
		h.windows.open = []Window{{ID: "w1", URL: origin + "/"}}
		n, _ := h.notifier.Show(context.Background(), Payload{Title: "x", Data: Data{URL: "/goals"}})

		if err := h.dispatch(t, Event{Kind: EventNotificationClick, Notification: n, Action: action}); err != nil {
			t.Fatalf("click: %v", err)
		}
		if len(h.windows.focused)+len(h.windows.navigated)+len(h.windows.opened) != 0 {
			t.Fatalf("%s caused navigation: %+v", action, h.windows)
		}
		if len(h.notifier.Displayed()) != 0 {
			t.Fatal("clicked notification should be closed")
		}
	}
}

func TestClickFocusesExistingWindow(t *testing.T) {
	h := newHarness(t)
	h.windows.open = []Window{
		{ID: "other", URL: "https://elsewhere.example.com/"},
		{ID: "w1", URL: origin + "/dashboard"},
	}
	n, _ := h.notifier.Show(context.Background(), Payload{Title: "x", Data: Data{URL: "/goals/7"}})

	if err := h.dispatch(t, Event{Kind: EventNotificationClick, Notification: n}); err != nil {
		t.Fatalf("click: %v", err)
	}
	if len(h.windows.opened) != 0 {
		t.Fatalf("opened duplicate window: %v", h.windows.opened)
	}
	if len(h.windows.focused) != 1 || h.windows.focused[0] != "w1" {
		t.Fatalf("focused = %v", h.windows.focused)
	}
	if len(h.windows.navigated) != 1 || h.windows.navigated[0] != origin+"/goals/7" {
		t.Fatalf("navigated = %v", h.windows.navigated)
	}
}

func TestClickOpensWindowWhenNoneOpen(t *testing.T) {
	h := newHarness(t)
	n, _ := h.notifier.Show(context.Background(), Payload{Title: "x"})
	h.dispatch(t, Event{Kind: EventNotificationClick, Notification: n})
	if len(h.windows.opened) != 1 || h.windows.opened[0] != origin+"/" {
		t.Fatalf("opened = %v", h.windows.opened)
	}
}

func TestClickUpdateOpensSettings(t *testing.T) {
	h := newHarness(t)
	n, _ := h.notifier.Show(context.Background(), UpdatePayload("1.0.2", nil))
	h.dispatch(t, Event{Kind: EventNotificationClick, Notification: n, Action: ActionUpdate})
	if len(h.windows.opened) != 1 || h.windows.opened[0] != origin+"/settings?update=true" {
		t.Fatalf("opened = %v", h.windows.opened)
	}
}

func TestClickRejectsOffOriginURL(t *testing.T) {
	h := newHarness(t)
	n, _ := h.notifier.Show(context.Background(), Payload{Title: "x", Data: Data{URL: "https://evil.example.net/"}})
	h.dispatch(t, Event{Kind: EventNotificationClick, Notification: n})
	if len(h.windows.opened) != 1 || h.windows.opened[0] != origin+"/" {
		t.Fatalf("opened = %v", h.windows.opened)
	}
}

func TestFailedShowIsQueuedAndRedeliveredOnSync(t *testing.T) {
	h := newHarness(t)
	h.notifier.fail.Store(true)
	h.dispatch(t, Event{Kind: EventPush, Body: []byte(`{"title":"queued"}`)})

	if n, _ := h.queue.Len(); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}

	h.dispatch(t, Event{Kind: EventSync})
	if n, _ := h.queue.Len(); n != 1 {
		t.Fatalf("failed drain changed queue len to %d", n)
	}

	h.notifier.fail.Store(false)
	h.dispatch(t, Event{Kind: EventSync})
	if n, _ := h.queue.Len(); n != 0 {
		t.Fatalf("queue len after successful drain = %d", n)
	}
	shown := h.notifier.Displayed()
	if len(shown) != 1 || shown[0].Payload.Title != "queued" {
		t.Fatalf("displayed = %+v", shown)
	}
}

func TestFailedReceiptIsQueued(t *testing.T) {
	h := newHarness(t)
	h.d.opts.ReceiptURL = origin + "/api/v1/notifications/receipts"
	h.deliverer.fail = true
	h.dispatch(t, Event{Kind: EventPush, Body: []byte(`{"title":"hi"}`)})

	entries, _ := h.queue.List()
	if len(entries) != 1 || entries[0].Request.Kind != delivery.KindHTTP {
		t.Fatalf("entries = %+v", entries)
	}

	h.deliverer.fail = false
	h.dispatch(t, Event{Kind: EventSync})
	if n, _ := h.queue.Len(); n != 0 {
		t.Fatalf("queue len = %d", n)
	}
	if len(h.deliverer.sent) != 1 {
		t.Fatalf("sent = %v", h.deliverer.sent)
	}
}

func TestInstallActivate(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, Event{Kind: EventInstall})
	h.dispatch(t, Event{Kind: EventActivate})
	st, err := h.d.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.Waiting || !st.Installed || !st.Controlling {
		t.Fatalf("state = %+v", st)
	}
}

func TestMessages(t *testing.T) {
	h := newHarness(t)
	p := Payload{Title: "Daily reminder", Tag: "daily-reminder"}
	if err := h.dispatch(t, Event{Kind: EventMessage, Command: Command{Type: CommandShowNotification, Payload: &p}}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if err := h.dispatch(t, Event{Kind: EventMessage, Command: Command{Type: CommandCheckUpdate}}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := h.dispatch(t, Event{Kind: EventMessage, Command: Command{Type: CommandSkipWaiting}}); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if err := h.dispatch(t, Event{Kind: EventMessage, Command: Command{Type: "BOGUS"}}); err == nil {
		t.Fatal("unknown command should error")
	}

	if len(h.notifier.Displayed()) != 1 || h.checker.n.Load() != 1 {
		t.Fatalf("displayed=%d checks=%d", len(h.notifier.Displayed()), h.checker.n.Load())
	}
	st, _ := h.d.Snapshot(context.Background())
	if st.Waiting {
		t.Fatal("SKIP_WAITING should clear Waiting")
	}
}

func TestPanickingHandlerDoesNotStopRouter(t *testing.T) {
	h := newHarness(t)
	h.d.Handle("boom", func(context.Context, *State, Event) error { panic("bad event") })

	if err := h.dispatch(t, Event{Kind: "boom"}); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if err := h.dispatch(t, Event{Kind: EventPush, Body: []byte(`{"title":"after"}`)}); err != nil {
		t.Fatalf("push after panic: %v", err)
	}
	if len(h.notifier.Displayed()) != 1 {
		t.Fatal("router stopped after panic")
	}
}

func TestHandlersDoNotOverlap(t *testing.T) {
	h := newHarness(t)
	var active, maxActive atomic.Int32
	h.d.Handle("slow", func(context.Context, *State, Event) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.dispatch(t, Event{Kind: "slow"})
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent handlers = %d", maxActive.Load())
	}
}

func TestPayloadRoundTripThroughQueue(t *testing.T) {
	p := UpdatePayload("2.0.0", []string{"Faster charts"})
	data, _ := json.Marshal(p)
	var back Payload
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Data.Version != "2.0.0" || back.Body != "Faster charts" || back.Tag != "update-available" {
		t.Fatalf("payload = %+v", back)
	}
}

func TestNewRejectsBadOrigin(t *testing.T) {
	if _, err := New(Options{Origin: "not a url"}); err == nil {
		t.Fatal("expected error")
	}
}
