package micloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/magicstartrace/micloud-bridge/internal/config"
	"github.com/magicstartrace/micloud-bridge/internal/httpkit"
)

// CloudClient is the authenticated device-cloud API surface the
// coordinator drives. Every method may fail with ErrSessionInvalid,
// which the coordinator treats as "re-login required" rather than a
// generic failure.
type CloudClient interface {
	// Devices fetches the account's device directory.
	Devices(ctx context.Context, sess *Session) ([]Device, error)

	// DeviceStatus fetches the latest reported status/position payload
	// for one device.
	DeviceStatus(ctx context.Context, sess *Session, imei string) (*StatusReport, error)

	// TriggerLocate asks one device to report a fresh GPS fix.
	TriggerLocate(ctx context.Context, sess *Session, imei string) error

	// PlaySound makes one device emit a loud tone.
	PlaySound(ctx context.Context, sess *Session, imei string) error

	// MarkLost puts one device into lost mode with a contact message.
	MarkLost(ctx context.Context, sess *Session, imei, content, phone string, onlineNotify bool) error

	// PushClipboard pushes text to the account's shared clipboard.
	PushClipboard(ctx context.Context, sess *Session, text string) error
}

// StatusReport is the decoded per-device status payload from the
// find-device API. Pointer fields are absent when the cloud did not
// report them.
type StatusReport struct {
	Power   *int
	Status  string
	Receipt *LocationReceipt
}

// LocationReceipt holds the position part of a status payload: the raw
// fix plus the list of transformed coordinate representations. The
// cloud is loose about scalar types, so timestamp and phone accept
// both JSON numbers and strings.
type LocationReceipt struct {
	GPSInfo            *GPSFix    `json:"gpsInfo"`
	GPSInfoTransformed []GPSFix   `json:"gpsInfoTransformed"`
	InfoTime           flexInt64  `json:"infoTime"`
	Phone              flexString `json:"phone"`
}

// GPSFix is one coordinate representation of a fix.
type GPSFix struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Accuracy       float64 `json:"accuracy"`
	CoordinateType string  `json:"coordinateType"`
}

// Client talks to the i.mi.com find-device API using a session bundle.
// It holds no mutable state; sessions are passed in per call so the
// coordinator stays the single owner of credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the device cloud base URL; used by tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// NewClient creates a find-device API client.
func NewClient(logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: "https://i.mi.com",
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(httpkit.DefaultRequestTimeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping checks that the device cloud endpoint is reachable. Any HTTP
// response counts as reachable, including auth rejections; only
// transport-level failures are reported.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", c.baseURL, err)
	}
	httpkit.DrainAndClose(resp.Body, 1<<10)
	return nil
}

// sessionCookie renders the auth cookies the find-device API expects.
func sessionCookie(sess *Session) string {
	return fmt.Sprintf("userId=%s;serviceToken=%s", sess.UserID, sess.ServiceToken)
}

// codeProbe picks the API-level error code out of any response body.
type codeProbe struct {
	Code *int `json:"code"`
}

// checkSession maps HTTP 401 and API codes 401/6 to ErrSessionInvalid.
// Both shapes must be treated identically.
func checkSession(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return fmt.Errorf("%w: http 401", ErrSessionInvalid)
	}
	var probe codeProbe
	if err := json.Unmarshal(body, &probe); err == nil && probe.Code != nil && isSessionCode(*probe.Code) {
		return fmt.Errorf("%w: api code %d", ErrSessionInvalid, *probe.Code)
	}
	return nil
}

// getJSON performs an authenticated GET and returns the raw body after
// session validation.
func (c *Client) getJSON(ctx context.Context, sess *Session, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cookie", sessionCookie(sess))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if serr := checkSession(resp.StatusCode, body); serr != nil {
		return nil, serr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, truncate(body, 256))
	}

	c.logger.Log(ctx, config.LevelTrace, "cloud response", "path", path, "body", string(truncate(body, 2048)))
	return body, nil
}

// postForm performs an authenticated form POST and returns the raw
// body after session validation.
func (c *Client) postForm(ctx context.Context, sess *Session, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cookie", sessionCookie(sess))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if serr := checkSession(resp.StatusCode, body); serr != nil {
		return nil, serr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, truncate(body, 256))
	}

	return body, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// flexInt64 decodes a JSON number or numeric string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %q as int64: %w", s, err)
	}
	*f = flexInt64(v)
	return nil
}

// Devices implements CloudClient. The directory is replaced wholesale
// on every successful fetch, never merged.
func (c *Client) Devices(ctx context.Context, sess *Session) ([]Device, error) {
	path := fmt.Sprintf("/find/device/full/status?ts=%d", time.Now().UnixMilli())

	body, err := c.getJSON(ctx, sess, path)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data struct {
			Devices []Device `json:"devices"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode device directory: %w", err)
	}
	if envelope.Data.Devices == nil {
		return nil, fmt.Errorf("device directory missing from response")
	}

	c.logger.Debug("fetched device directory", "devices", len(envelope.Data.Devices))
	return envelope.Data.Devices, nil
}

// rawStatus mirrors the find-device status JSON.
type rawStatus struct {
	Code *int `json:"code"`
	Data *struct {
		PowerLevel *struct {
			Value int `json:"value"`
		} `json:"powerLevel"`
		Status   string `json:"status"`
		Location *struct {
			Receipt *LocationReceipt `json:"receipt"`
		} `json:"location"`
	} `json:"data"`
}

// DeviceStatus implements CloudClient.
func (c *Client) DeviceStatus(ctx context.Context, sess *Session, imei string) (*StatusReport, error) {
	path := fmt.Sprintf("/find/device/status?ts=%d&fid=%s", time.Now().UnixMilli(), url.QueryEscape(imei))

	body, err := c.getJSON(ctx, sess, path)
	if err != nil {
		return nil, err
	}

	var raw rawStatus
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode status for %s: %w", imei, err)
	}
	if raw.Data == nil {
		return nil, fmt.Errorf("status payload for %s missing data", imei)
	}

	report := &StatusReport{Status: raw.Data.Status}
	if raw.Data.PowerLevel != nil {
		v := raw.Data.PowerLevel.Value
		report.Power = &v
	}
	if raw.Data.Location != nil {
		report.Receipt = raw.Data.Location.Receipt
	}
	return report, nil
}

// commandForm builds the common form payload for device commands. The
// API duplicates the credentials into the form body alongside the
// cookies; both are required.
func commandForm(sess *Session, imei string) url.Values {
	return url.Values{
		"userId":       {sess.UserID},
		"imei":         {imei},
		"auto":         {"false"},
		"channel":      {"web"},
		"serviceToken": {sess.ServiceToken},
	}
}

// TriggerLocate implements CloudClient.
func (c *Client) TriggerLocate(ctx context.Context, sess *Session, imei string) error {
	path := fmt.Sprintf("/find/device/%s/location", url.PathEscape(imei))
	_, err := c.postForm(ctx, sess, path, commandForm(sess, imei))
	return err
}

// PlaySound implements CloudClient.
func (c *Client) PlaySound(ctx context.Context, sess *Session, imei string) error {
	path := fmt.Sprintf("/find/device/%s/noise", url.PathEscape(imei))
	_, err := c.postForm(ctx, sess, path, commandForm(sess, imei))
	return err
}

// MarkLost implements CloudClient. The contact message is a JSON blob
// nested inside the form payload.
func (c *Client) MarkLost(ctx context.Context, sess *Session, imei, content, phone string, onlineNotify bool) error {
	message, err := json.Marshal(map[string]string{
		"content": content,
		"phone":   phone,
	})
	if err != nil {
		return fmt.Errorf("marshal lost message: %w", err)
	}

	form := url.Values{
		"userId":       {sess.UserID},
		"imei":         {imei},
		"deleteCard":   {"false"},
		"channel":      {"web"},
		"serviceToken": {sess.ServiceToken},
		"onlineNotify": {fmt.Sprintf("%t", onlineNotify)},
		"message":      {string(message)},
	}
	path := fmt.Sprintf("/find/device/%s/lost", url.PathEscape(imei))
	_, err = c.postForm(ctx, sess, path, form)
	return err
}

// PushClipboard implements CloudClient.
func (c *Client) PushClipboard(ctx context.Context, sess *Session, text string) error {
	form := url.Values{
		"text":         {text},
		"serviceToken": {sess.ServiceToken},
	}
	_, err := c.postForm(ctx, sess, "/clipboard/lite/text", form)
	return err
}
