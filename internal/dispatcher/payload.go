package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload types carried in Data.Type.
const (
	TypeUpdate   = "update"
	TypeReminder = "reminder"
	TypeProgress = "progress"
	TypeFallback = "fallback"
)

// Notification actions.
const (
	ActionUpdate = "update"
	ActionLater  = "later"
	ActionClose  = "close"
)

const (
	defaultTitle = "P-Progress"
	defaultBody  = "You have a new update"
	defaultIcon  = "/icons/icon-192x192.png"
	defaultBadge = "/icons/badge-72x72.png"
	defaultURL   = "/"
	fallbackTag  = "p-progress-fallback"
)

var defaultVibrate = []int{200, 100, 200}

var ErrEmptyPayload = errors.New("empty push payload")

// Action is a button on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Data is the application data attached to a notification.
type Data struct {
	Type    string   `json:"type,omitempty"`
	Version string   `json:"version,omitempty"`
	URL     string   `json:"url,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

// Payload is a push notification as sent by the app server. Tag is the
// replacement key: a new notification with a displayed tag replaces it.
type Payload struct {
	Title              string `json:"title"`
	Body               string `json:"body"`
	Icon               string `json:"icon,omitempty"`
	Badge              string `json:"badge,omitempty"`
	Tag                string `json:"tag,omitempty"`
	RequireInteraction bool   `json:"requireInteraction,omitempty"`
	Silent             bool   `json:"silent,omitempty"`
	Vibrate            []int  `json:"vibrate,omitempty"`
	Data               Data   `json:"data"`
}

// ParsePayload decodes a push body and fills display defaults.
func ParsePayload(body []byte) (Payload, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return Payload{}, ErrEmptyPayload
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("decode push payload: %w", err)
	}
	return p.withDefaults(), nil
}

func (p Payload) withDefaults() Payload {
	if p.Title == "" {
		p.Title = defaultTitle
	}
	if p.Body == "" {
		p.Body = defaultBody
	}
	if p.Icon == "" {
		p.Icon = defaultIcon
	}
	if p.Badge == "" {
		p.Badge = defaultBadge
	}
	if p.Vibrate == nil && !p.Silent {
		p.Vibrate = defaultVibrate
	}
	if p.Data.Type == TypeUpdate && len(p.Data.Actions) == 0 {
		p.Data.Actions = UpdateActions()
		p.RequireInteraction = true
	}
	return p
}

// FallbackPayload is shown when a push body is missing or unreadable.
func FallbackPayload() Payload {
	return Payload{
		Title:   defaultTitle,
		Body:    "You have a new notification",
		Icon:    defaultIcon,
		Badge:   defaultBadge,
		Tag:     fallbackTag,
		Vibrate: defaultVibrate,
		Data:    Data{Type: TypeFallback, URL: defaultURL},
	}
}

// UpdateActions are the buttons offered on update notifications.
func UpdateActions() []Action {
	return []Action{
		{Action: ActionUpdate, Title: "Update now"},
		{Action: ActionLater, Title: "Later"},
	}
}

// UpdatePayload is the notification announcing an available version.
func UpdatePayload(version string, changes []string) Payload {
	body := "A new version is ready to install."
	if len(changes) > 0 {
		body = changes[0]
	}
	return Payload{
		Title: fmt.Sprintf("P-Progress %s available", version),
		Body:  body,
		Tag:   "update-available",
		Data: Data{
			Type:    TypeUpdate,
			Version: version,
			URL:     settingsUpdatePath,
		},
	}.withDefaults()
}
