package dispatcher

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dar-k-dev/p-progress/internal/logging"
)

// NotificationView is a displayed notification as the control API lists it.
type NotificationView struct {
	ID      string   `json:"id"`
	Tag     string   `json:"tag,omitempty"`
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	URL     string   `json:"url,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

type controlError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

var errUnknownAction = errors.New("action not offered by this notification")

type control struct {
	d    *Dispatcher
	tray *Tray
}

// ControlHandler serves the agent's local notification surface. Clicks and
// dismissals posted here run through the dispatcher as notificationclick and
// notificationclose events, exactly as a platform tray would raise them.
//
//	GET  /notifications
//	POST /notifications/{id}/click[?action=update]
//	POST /notifications/{id}/close
func ControlHandler(d *Dispatcher, tray *Tray) http.Handler {
	c := &control{d: d, tray: tray}
	r := mux.NewRouter()
	r.HandleFunc("/notifications", c.list).Methods(http.MethodGet)
	r.HandleFunc("/notifications/{id}/click", c.click).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/close", c.close).Methods(http.MethodPost)
	return r
}

func (c *control) list(w http.ResponseWriter, r *http.Request) {
	shown := c.tray.Displayed()
	out := make([]NotificationView, 0, len(shown))
	for _, n := range shown {
		out = append(out, view(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *control) click(w http.ResponseWriter, r *http.Request) {
	n, ok := c.tray.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	action := r.URL.Query().Get("action")
	if action != "" && !offers(n, action) {
		writeError(w, http.StatusBadRequest, errUnknownAction.Error())
		return
	}
	if err := c.d.DispatchWait(r.Context(), Event{Kind: EventNotificationClick, Notification: n, Action: action}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view(n))
}

func (c *control) close(w http.ResponseWriter, r *http.Request) {
	n, ok := c.tray.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err := c.tray.Close(r.Context(), n.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := c.d.DispatchWait(r.Context(), Event{Kind: EventNotificationClose, Notification: n}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view(n))
}

// offers reports whether action is one of n's buttons. Close is always
// allowed.
func offers(n Notification, action string) bool {
	if action == ActionClose {
		return true
	}
	for _, a := range n.Payload.Data.Actions {
		if a.Action == action {
			return true
		}
	}
	return false
}

func view(n Notification) NotificationView {
	v := NotificationView{
		ID:    n.ID,
		Tag:   n.Payload.Tag,
		Title: n.Payload.Title,
		Body:  n.Payload.Body,
		URL:   n.Payload.Data.URL,
	}
	for _, a := range n.Payload.Data.Actions {
		v.Actions = append(v.Actions, a.Action)
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("control response not written", logging.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, controlError{Message: msg, Code: status})
}
