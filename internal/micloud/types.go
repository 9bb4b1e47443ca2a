package micloud

import "time"

// Session is the credential bundle produced by a successful login
// handshake. It is owned exclusively by the Coordinator: either every
// handshake step succeeded and all fields are set, or the whole bundle
// is discarded. Authentication to the cloud APIs is carried as the
// userId and serviceToken cookies.
type Session struct {
	UserID       string
	ServiceToken string

	// AuthPayload is the decoded serviceLoginAuth2 response the session
	// was derived from, kept for diagnostics.
	AuthPayload AuthPayload
}

// AuthPayload is the JSON body returned by the identity provider's
// authentication step, stripped of its non-JSON prefix.
type AuthPayload struct {
	Code      int    `json:"code"`
	Desc      string `json:"desc"`
	Nonce     string `json:"nonce"`
	Ssecurity string `json:"ssecurity"`
	Location  string `json:"location"`
}

// Device is a directory entry for a phone registered to the account.
// The directory is refreshed wholesale on every successful fetch.
type Device struct {
	IMEI    string `json:"imei"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

// Snapshot is the per-device result of one harvest cycle. Optional
// fields are pointers or empty strings: absent means the upstream
// response did not supply them, never a sentinel value.
type Snapshot struct {
	IMEI    string `json:"imei"`
	Model   string `json:"model"`
	Version string `json:"version"`

	Battery *int   `json:"battery,omitempty"`
	Status  string `json:"status,omitempty"`

	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Accuracy       *int     `json:"accuracy,omitempty"`
	CoordinateType string   `json:"coordinate_type,omitempty"`

	// LocationUpdateTime is the device-reported fix time formatted in
	// local time, e.g. "2025-08-31 14:07:02".
	LocationUpdateTime string `json:"location_update_time,omitempty"`

	// LocationTimestampMS is the raw fix time in Unix milliseconds,
	// the value the position ledger is keyed on.
	LocationTimestampMS int64 `json:"location_timestamp_ms,omitempty"`

	Phone string `json:"phone,omitempty"`
}

// EntityName returns the stable entity-facing name for the device:
// the model lowercased with spaces collapsed to underscores, falling
// back to the IMEI when the model is unknown.
func (s Snapshot) EntityName() string {
	return entityName(s.Model, s.IMEI)
}

// CommandKind identifies a remote one-shot action.
type CommandKind string

const (
	// KindFind requests a locate refresh. The locate trigger is always
	// fleet-wide, so a find command simply forces an extra poll cycle.
	KindFind CommandKind = "find"

	// KindNoise plays a loud tone on the target device.
	KindNoise CommandKind = "noise"

	// KindLost marks the target device lost, locking it and displaying
	// a contact message.
	KindLost CommandKind = "lost"

	// KindClipboard pushes text to the account's shared clipboard.
	KindClipboard CommandKind = "clipboard"
)

// Command is a pending remote action. At most one is pending at a
// time; it is consumed on the next poll cycle.
type Command struct {
	Kind CommandKind `json:"kind"`
	IMEI string      `json:"imei,omitempty"`

	// Lost-mode fields.
	Content      string `json:"content,omitempty"`
	Phone        string `json:"phone,omitempty"`
	OnlineNotify bool   `json:"online_notify,omitempty"`

	// Clipboard payload.
	Text string `json:"text,omitempty"`
}

// timeFormat matches the display format the upstream web client uses
// for fix timestamps.
const timeFormat = "2006-01-02 15:04:05"

func formatFixTime(ms int64) string {
	return time.UnixMilli(ms).Local().Format(timeFormat)
}
