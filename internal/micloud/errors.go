package micloud

import "errors"

// Failure taxonomy for the login handshake and poll cycle. The three
// handshake errors are all-or-nothing: any of them discards all partial
// login state and the cycle falls back to the last-good cache.
var (
	// ErrHandshake means the sign-token scrape failed: the identity
	// provider's redirect chain did not carry the expected cookie or
	// signature parameter.
	ErrHandshake = errors.New("micloud: login handshake failed")

	// ErrAuthRejected means the credential POST did not yield a pass
	// token: wrong credentials, or the provider demands a captcha.
	ErrAuthRejected = errors.New("micloud: authentication rejected")

	// ErrCaptchaRequired is a refinement of ErrAuthRejected reported
	// when the provider asks for a captcha code. Retrying Login with
	// Credentials.CaptchaCode set continues the same handshake step.
	ErrCaptchaRequired = errors.New("micloud: captcha required")

	// ErrServiceToken means the final token exchange did not return
	// both the serviceToken and userId cookies.
	ErrServiceToken = errors.New("micloud: service token exchange failed")

	// ErrSessionInvalid is the mid-cycle signal that stored credentials
	// went stale: HTTP 401, or an API-level code of 401 or 6. The
	// coordinator reacts by discarding the session and re-logging-in
	// once within the same cycle.
	ErrSessionInvalid = errors.New("micloud: session invalid")

	// ErrUpdateFailed is raised to the host only when a cycle failed
	// and no last-good cache exists to fall back on. It is the one
	// user-visible failure mode, normally seen only on first run.
	ErrUpdateFailed = errors.New("micloud: update failed and no cached data available")
)

// sessionCodes are the API-level error codes equivalent to HTTP 401.
func isSessionCode(code int) bool {
	return code == 401 || code == 6
}
