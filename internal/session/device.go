package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

// Platform identifies the device class a session is bound to.
type Platform string

const (
	PlatformApple   Platform = "apple"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
	PlatformOther   Platform = "other"
)

// IsMobile reports whether the platform counts against the mobile session
// cap and may carry a push notification token.
func (p Platform) IsMobile() bool {
	return p == PlatformApple || p == PlatformAndroid
}

func (p Platform) valid() bool {
	switch p {
	case PlatformApple, PlatformAndroid, PlatformDesktop, PlatformOther:
		return true
	}
	return false
}

// WebPushSubscription is the browser push subscription blob, stored as-is.
type WebPushSubscription struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys"`
}

// DeviceInput is the device object clients send on login.
type DeviceInput struct {
	Name              string               `json:"name"`
	Platform          Platform             `json:"platform"`
	NotificationToken *string              `json:"notificationToken,omitempty"`
	WebPush           *WebPushSubscription `json:"webPushInformation,omitempty"`
}

// Validate enforces the platform rules: notification tokens are
// mobile-only, web-push subscriptions are desktop-only.
func (d DeviceInput) Validate() error {
	if !d.Platform.valid() {
		return apperr.BadRequest("device.validate.invalidPlatform", map[string]any{
			"platform": string(d.Platform),
		})
	}
	if d.NotificationToken != nil && !d.Platform.IsMobile() {
		return apperr.BadRequest("device.validate.notificationTokenNotSupported", map[string]any{
			"platform": string(d.Platform),
		})
	}
	if d.WebPush != nil && d.Platform != PlatformDesktop {
		return apperr.BadRequest("device.validate.webPushNotSupported", map[string]any{
			"platform": string(d.Platform),
		})
	}
	return nil
}

// Device is the stored device record, one per session.
type Device struct {
	ID                uuid.UUID            `json:"id"`
	SessionID         uuid.UUID            `json:"sessionId"`
	Name              string               `json:"name"`
	Platform          Platform             `json:"platform"`
	NotificationToken *string              `json:"notificationToken,omitempty"`
	WebPush           *WebPushSubscription `json:"webPushInformation,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
}

func marshalWebPush(sub *WebPushSubscription) ([]byte, error) {
	if sub == nil {
		return nil, nil
	}
	return json.Marshal(sub)
}
