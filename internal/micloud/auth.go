package micloud

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/magicstartrace/micloud-bridge/internal/httpkit"
)

// Credentials are the inputs to one login attempt. CaptchaCode is
// normally empty; when a prior attempt failed with ErrCaptchaRequired,
// the solved code is supplied here to continue the same handshake.
type Credentials struct {
	Username    string
	Password    string
	CaptchaCode string
}

// Authenticator performs the multi-step web login handshake and
// produces a session bundle. The web flow scrapes cookies and redirect
// headers from a third-party provider and is inherently fragile, so it
// lives behind this single-method interface where it can be swapped or
// mocked.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (*Session, error)
}

// Identity provider constants for the web login flow. The sid and qs
// values identify the find-device web app to the account service and
// must match what the real web client sends.
const (
	defaultAccountURL = "https://account.xiaomi.com"

	serviceLoginPath = "/pass/serviceLogin?sid%3Di.mi.com&sid=i.mi.com&_locale=zh_CN&_snsNone=true"
	serviceAuthPath  = "/pass/serviceLoginAuth2"

	loginSID      = "i.mi.com"
	loginCallback = "https://i.mi.com/sts"
	loginQS       = "%3Fsid%253Di.mi.com%26sid%3Di.mi.com%26_locale%3Dzh_CN%26_snsNone%3Dtrue"

	// loginUserAgent is the fixed device-identifying User-Agent the
	// token exchange endpoint expects.
	loginUserAgent = "MISoundBox/1.4.0,iosPassportSDK/iOS-3.2.7 iOS/11.2.5"

	// authJSONPrefix is the anti-hijacking prefix the provider prepends
	// to JSON bodies.
	authJSONPrefix = "&&&START&&&"
)

// WebAuth implements Authenticator against the account web endpoints.
// Each Login call runs on a fresh cookie jar so no state leaks between
// attempts; a login therefore always starts from cleared cookies.
type WebAuth struct {
	accountURL string
	logger     *slog.Logger
}

// WebAuthOption configures a WebAuth.
type WebAuthOption func(*WebAuth)

// WithAccountURL overrides the identity provider base URL. Used by
// tests to point the handshake at a local double.
func WithAccountURL(u string) WebAuthOption {
	return func(a *WebAuth) { a.accountURL = strings.TrimSuffix(u, "/") }
}

// NewWebAuth creates the production web login authenticator.
func NewWebAuth(logger *slog.Logger, opts ...WebAuthOption) *WebAuth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &WebAuth{
		accountURL: defaultAccountURL,
		logger:     logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// signState is what step 1 scrapes out of the provider's redirect.
type signState struct {
	sign      string
	passTrace string
}

// Login runs the three handshake steps in order. Any step failing
// discards all partial state; the caller never sees a half-built
// session.
func (a *WebAuth) Login(ctx context.Context, creds Credentials) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	// The first redirect response must be inspected for the trace
	// cookie and signature parameter before the chain is followed.
	var firstRedirect *http.Response
	client := httpkit.NewClient(
		httpkit.WithTimeout(httpkit.DefaultRequestTimeout),
		httpkit.WithCookieJar(jar),
		httpkit.WithCheckRedirect(func(req *http.Request, via []*http.Request) error {
			if len(via) == 1 {
				firstRedirect = req.Response
			}
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		}),
		httpkit.WithLogger(a.logger),
	)

	sign, err := a.obtainSign(ctx, client, &firstRedirect)
	if err != nil {
		return nil, err
	}

	payload, err := a.authenticate(ctx, client, creds, sign)
	if err != nil {
		return nil, err
	}

	return a.exchangeServiceToken(ctx, client, payload)
}

// obtainSign GETs the login redirect URL and scrapes the pass_trace
// cookie and _sign parameter out of the first redirect response.
func (a *WebAuth) obtainSign(ctx context.Context, client *http.Client, firstRedirect **http.Response) (*signState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.accountURL+serviceLoginPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: serviceLogin: %v", ErrHandshake, err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	redirect := *firstRedirect
	if redirect == nil {
		return nil, fmt.Errorf("%w: serviceLogin did not redirect", ErrHandshake)
	}

	var trace string
	for _, c := range redirect.Cookies() {
		if c.Name == "pass_trace" {
			trace = c.Value
			break
		}
	}
	if trace == "" {
		return nil, fmt.Errorf("%w: pass_trace cookie missing from redirect", ErrHandshake)
	}

	location := redirect.Header.Get("Location")
	locURL, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redirect location: %v", ErrHandshake, err)
	}
	sign := locURL.Query().Get("_sign")
	if sign == "" {
		return nil, fmt.Errorf("%w: _sign parameter missing from redirect location", ErrHandshake)
	}

	a.logger.Debug("obtained login sign token")
	return &signState{sign: sign, passTrace: trace}, nil
}

// authenticate POSTs the credentials, never the clear-text password:
// the provider expects the uppercase hex MD5 of it. On success the
// provider sets a passToken cookie and returns a prefixed JSON body
// carrying the nonce, ssecurity and follow-up location.
func (a *WebAuth) authenticate(ctx context.Context, client *http.Client, creds Credentials, sign *signState) (*AuthPayload, error) {
	authURL := a.accountURL + serviceAuthPath

	form := url.Values{
		"_json":        {"true"},
		"_sign":        {sign.sign},
		"callback":     {loginCallback},
		"hash":         {passwordHash(creds.Password)},
		"qs":           {loginQS},
		"serviceParam": {`{"checkSafePhone":false}`},
		"sid":          {loginSID},
		"user":         {creds.Username},
	}
	if creds.CaptchaCode != "" {
		authURL = fmt.Sprintf("%s?_dc=%d", authURL, time.Now().UnixMilli())
		form.Set("captCode", creds.CaptchaCode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", a.accountURL)
	req.Header.Set("Referer", a.accountURL+serviceLoginPath)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: serviceLoginAuth2: %v", ErrAuthRejected, err)
	}
	defer resp.Body.Close()

	var passToken string
	for _, c := range resp.Cookies() {
		if c.Name == "passToken" {
			passToken = c.Value
			break
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read auth response: %v", ErrAuthRejected, err)
	}

	payload, perr := parseAuthPayload(body)

	if passToken == "" {
		if perr == nil && payload.captchaURL != "" {
			return nil, fmt.Errorf("%w: solve %s and retry with the code", ErrCaptchaRequired, payload.captchaURL)
		}
		return nil, fmt.Errorf("%w: no passToken cookie returned", ErrAuthRejected)
	}
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, perr)
	}
	if payload.Code != 0 {
		return nil, fmt.Errorf("%w: provider code %d (%s)", ErrAuthRejected, payload.Code, payload.Desc)
	}
	if payload.Nonce == "" || payload.Ssecurity == "" || payload.Location == "" {
		return nil, fmt.Errorf("%w: auth payload incomplete", ErrAuthRejected)
	}

	a.logger.Debug("credentials accepted", "user", creds.Username)
	return &payload.AuthPayload, nil
}

// exchangeServiceToken derives the client signature from the nonce and
// session security value, appends it to the provider-supplied location
// URL, and GETs it with the fixed device User-Agent. A 200 carrying
// both the serviceToken and userId cookies marks success.
func (a *WebAuth) exchangeServiceToken(ctx context.Context, client *http.Client, payload *AuthPayload) (*Session, error) {
	tokenURL := payload.Location + "&clientSign=" + url.QueryEscape(clientSign(payload.Nonce, payload.Ssecurity))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", loginUserAgent)
	req.Header.Set("Accept-Language", "zh-cn")
	req.Header.Set("Connection", "keep-alive")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceToken, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrServiceToken, resp.StatusCode,
			httpkit.ReadErrorBody(resp.Body, 256))
	}

	var serviceToken, userID string
	for _, c := range resp.Cookies() {
		switch c.Name {
		case "serviceToken":
			serviceToken = c.Value
		case "userId":
			userID = c.Value
		}
	}
	if serviceToken == "" || userID == "" {
		return nil, fmt.Errorf("%w: serviceToken or userId cookie missing", ErrServiceToken)
	}

	a.logger.Info("logged in to device cloud", "user_id", userID)
	return &Session{
		UserID:       userID,
		ServiceToken: serviceToken,
		AuthPayload:  *payload,
	}, nil
}

// passwordHash is the fixed one-way digest applied to the password
// before transmission: uppercase hex MD5, as the web client computes it.
func passwordHash(password string) string {
	sum := md5.Sum([]byte(password))
	return strings.ToUpper(fmt.Sprintf("%x", sum))
}

// clientSign is the step-3 signature: base64(SHA1("nonce=<nonce>&<ssecurity>")).
func clientSign(nonce, ssecurity string) string {
	sum := sha1.Sum([]byte("nonce=" + nonce + "&" + ssecurity))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// flexString decodes a JSON value that the cloud sends sometimes as a
// string, sometimes as a bare number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// rawAuthPayload mirrors the provider JSON.
type rawAuthPayload struct {
	Code       int        `json:"code"`
	Desc       string     `json:"desc"`
	Nonce      flexString `json:"nonce"`
	Ssecurity  string     `json:"ssecurity"`
	Location   string     `json:"location"`
	CaptchaURL string     `json:"captchaUrl"`
}

type parsedAuthPayload struct {
	AuthPayload
	captchaURL string
}

// parseAuthPayload strips the provider's anti-hijacking prefix and
// decodes the remainder.
func parseAuthPayload(body []byte) (*parsedAuthPayload, error) {
	text := strings.TrimPrefix(string(body), authJSONPrefix)

	var raw rawAuthPayload
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("decode auth payload: %w", err)
	}

	return &parsedAuthPayload{
		AuthPayload: AuthPayload{
			Code:      raw.Code,
			Desc:      raw.Desc,
			Nonce:     string(raw.Nonce),
			Ssecurity: raw.Ssecurity,
			Location:  raw.Location,
		},
		captchaURL: raw.CaptchaURL,
	}, nil
}
