package sending

import (
	"context"
	"errors"

	"github.com/meow-io/go-courier/transport"
)

// makeRequest performs one service request on behalf of a send, applying the
// auth and transport preferences recorded on it. Unidentified-delivery auth
// is attempted first when available and not already rejected; on rejection
// the send is marked and, when canFailoverUDAuth is set, the request is
// re-issued with basic auth in place. A websocket failure marks the send and
// fails over to REST in place, so subsequent retries stay on REST.
//
// Must be called only from the send's owning goroutine.
func (m *Manager) makeRequest(ctx context.Context, send *MessageSend, verb, path string, body []byte, canFailoverUDAuth bool) (*transport.Response, error) {
	for {
		var auth transport.Auth
		usingUD := false
		if send.UDSendingAccess != nil && !send.hasUDAuthFailed {
			auth.AccessKey = send.UDSendingAccess.Key
			usingUD = true
		} else {
			creds := m.deps.Account.Credentials()
			auth.Basic = &creds
		}

		req := &transport.Request{
			Verb:         verb,
			Path:         path,
			Body:         body,
			Auth:         auth,
			ViaWebsocket: !send.hasWebsocketSendFailed,
		}
		resp, err := m.transport.Perform(ctx, req)
		if err != nil {
			var wsErr *transport.WebsocketError
			if errors.As(err, &wsErr) && !send.hasWebsocketSendFailed {
				m.log.Debugf("websocket failed for %s, failing over to rest: %v", path, err)
				send.hasWebsocketSendFailed = true
				continue
			}
			return nil, err
		}

		if usingUD && (resp.Status == 401 || resp.Status == 403) {
			m.log.Debugf("unidentified auth rejected for %s with %d", path, resp.Status)
			send.hasUDAuthFailed = true
			if canFailoverUDAuth {
				continue
			}
			return nil, errUDAuthFailed
		}
		return resp, nil
	}
}
