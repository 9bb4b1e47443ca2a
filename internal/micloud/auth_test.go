package micloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// authDouble is a configurable stand-in for the account endpoints.
type authDouble struct {
	server *httptest.Server

	// knobs
	skipPassTrace bool
	skipSign      bool
	noRedirect    bool
	authCode      int
	authDesc      string
	noPassToken   bool
	captchaURL    string
	stsStatus     int
	stsCookies    bool

	// observations
	gotHash     string
	gotUser     string
	gotCaptCode string
	gotSign     string
	gotSTSQuery string
}

func newAuthDouble() *authDouble {
	d := &authDouble{
		stsStatus:  http.StatusOK,
		stsCookies: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pass/serviceLogin", func(w http.ResponseWriter, r *http.Request) {
		if d.noRedirect {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !d.skipPassTrace {
			http.SetCookie(w, &http.Cookie{Name: "pass_trace", Value: "trace-1234"})
		}
		target := "/pass/serviceLogin/visit?_sign=sign-value-1"
		if d.skipSign {
			target = "/pass/serviceLogin/visit"
		}
		http.Redirect(w, r, target, http.StatusFound)
	})
	mux.HandleFunc("/pass/serviceLogin/visit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/pass/serviceLoginAuth2", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.gotHash = r.PostForm.Get("hash")
		d.gotUser = r.PostForm.Get("user")
		d.gotSign = r.PostForm.Get("_sign")
		d.gotCaptCode = r.PostForm.Get("captCode")

		if !d.noPassToken {
			http.SetCookie(w, &http.Cookie{Name: "passToken", Value: "pt-1"})
		}
		body := fmt.Sprintf(`{"code":%d,"desc":%q,"nonce":9988776655,"ssecurity":"ssec-1","location":%q,"captchaUrl":%q}`,
			d.authCode, d.authDesc, d.server.URL+"/sts?d=wl", d.captchaURL)
		fmt.Fprint(w, "&&&START&&&"+body)
	})
	mux.HandleFunc("/sts", func(w http.ResponseWriter, r *http.Request) {
		d.gotSTSQuery = r.URL.RawQuery
		if d.stsCookies {
			http.SetCookie(w, &http.Cookie{Name: "serviceToken", Value: "svc-token-1"})
			http.SetCookie(w, &http.Cookie{Name: "userId", Value: "10001"})
		}
		w.WriteHeader(d.stsStatus)
	})

	d.server = httptest.NewServer(mux)
	return d
}

func TestWebAuthLogin(t *testing.T) {
	d := newAuthDouble()
	defer d.server.Close()

	auth := NewWebAuth(discardLogger(), WithAccountURL(d.server.URL))
	sess, err := auth.Login(context.Background(), Credentials{Username: "user@example.com", Password: "password"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if sess.UserID != "10001" {
		t.Errorf("UserID = %q, want 10001", sess.UserID)
	}
	if sess.ServiceToken != "svc-token-1" {
		t.Errorf("ServiceToken = %q, want svc-token-1", sess.ServiceToken)
	}
	if sess.AuthPayload.Nonce != "9988776655" {
		t.Errorf("Nonce = %q, want 9988776655", sess.AuthPayload.Nonce)
	}

	// uppercase hex MD5 of "password"
	if d.gotHash != "5F4DCC3B5AA765D61D8327DEB882CF99" {
		t.Errorf("hash = %q, want uppercase MD5 digest", d.gotHash)
	}
	if d.gotSign != "sign-value-1" {
		t.Errorf("_sign = %q, want sign-value-1", d.gotSign)
	}
	if !strings.Contains(d.gotSTSQuery, "clientSign=") {
		t.Errorf("token exchange query %q missing clientSign", d.gotSTSQuery)
	}
}

func TestWebAuthLoginCaptchaContinuation(t *testing.T) {
	d := newAuthDouble()
	defer d.server.Close()

	auth := NewWebAuth(discardLogger(), WithAccountURL(d.server.URL))
	_, err := auth.Login(context.Background(), Credentials{
		Username:    "user@example.com",
		Password:    "password",
		CaptchaCode: "AB12",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if d.gotCaptCode != "AB12" {
		t.Errorf("captCode = %q, want AB12", d.gotCaptCode)
	}
}

func TestWebAuthLoginFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*authDouble)
		wantErr error
	}{
		{
			name:    "no redirect from serviceLogin",
			mutate:  func(d *authDouble) { d.noRedirect = true },
			wantErr: ErrHandshake,
		},
		{
			name:    "pass_trace cookie missing",
			mutate:  func(d *authDouble) { d.skipPassTrace = true },
			wantErr: ErrHandshake,
		},
		{
			name:    "sign parameter missing",
			mutate:  func(d *authDouble) { d.skipSign = true },
			wantErr: ErrHandshake,
		},
		{
			name:    "wrong credentials",
			mutate:  func(d *authDouble) { d.authCode = 70016; d.authDesc = "wrong password" },
			wantErr: ErrAuthRejected,
		},
		{
			name:    "no passToken cookie",
			mutate:  func(d *authDouble) { d.noPassToken = true },
			wantErr: ErrAuthRejected,
		},
		{
			name: "captcha challenge",
			mutate: func(d *authDouble) {
				d.noPassToken = true
				d.captchaURL = "/pass/captcha?ick=xyz"
			},
			wantErr: ErrCaptchaRequired,
		},
		{
			name:    "token exchange rejected",
			mutate:  func(d *authDouble) { d.stsStatus = http.StatusForbidden; d.stsCookies = false },
			wantErr: ErrServiceToken,
		},
		{
			name:    "token cookies missing",
			mutate:  func(d *authDouble) { d.stsCookies = false },
			wantErr: ErrServiceToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newAuthDouble()
			defer d.server.Close()
			tt.mutate(d)

			auth := NewWebAuth(discardLogger(), WithAccountURL(d.server.URL))
			_, err := auth.Login(context.Background(), Credentials{Username: "u", Password: "p"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseAuthPayload(t *testing.T) {
	body := []byte(`&&&START&&&{"code":0,"nonce":123456,"ssecurity":"abc","location":"https://sts.example/sts?d=1"}`)
	payload, err := parseAuthPayload(body)
	if err != nil {
		t.Fatalf("parseAuthPayload: %v", err)
	}
	if payload.Nonce != "123456" {
		t.Errorf("Nonce = %q, want 123456", payload.Nonce)
	}
	if payload.Ssecurity != "abc" {
		t.Errorf("Ssecurity = %q", payload.Ssecurity)
	}
}

func TestParseAuthPayloadStringNonce(t *testing.T) {
	body := []byte(`{"code":0,"nonce":"n-str","ssecurity":"abc","location":"x"}`)
	payload, err := parseAuthPayload(body)
	if err != nil {
		t.Fatalf("parseAuthPayload: %v", err)
	}
	if payload.Nonce != "n-str" {
		t.Errorf("Nonce = %q, want n-str", payload.Nonce)
	}
}

func TestPasswordHash(t *testing.T) {
	if got := passwordHash("password"); got != "5F4DCC3B5AA765D61D8327DEB882CF99" {
		t.Errorf("passwordHash = %q", got)
	}
}
