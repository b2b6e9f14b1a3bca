package remote

import "fmt"

// AuthError means the token endpoint refused to issue an access token. Body
// carries the raw response for diagnosis.
type AuthError struct {
	Body string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token acquisition failed: %v", e.Err)
	}
	return fmt.Sprintf("token acquisition failed: %s", e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteError means a device-log page request failed, returned a non-success
// payload, or carried data in an unexpected shape. Any pages already fetched
// in the same call are discarded; a fetch either fully succeeds or fails.
// Page is zero when the failure is not tied to a page request.
type RemoteError struct {
	DeviceID string
	Page     int
	Body     string
	Err      error
}

func (e *RemoteError) Error() string {
	detail := e.Body
	if e.Err != nil {
		detail = e.Err.Error()
	}
	if e.Page > 0 {
		return fmt.Sprintf("device %s: log page %d failed: %s", e.DeviceID, e.Page, detail)
	}
	return fmt.Sprintf("device %s: malformed log data: %s", e.DeviceID, detail)
}

func (e *RemoteError) Unwrap() error { return e.Err }
