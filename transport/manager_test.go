package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/config"
	"github.com/stretchr/testify/require"
)

func testConfig(serviceURL string) *config.Config {
	return config.NewConfig(
		config.WithLoggingPrefix("test"),
		config.WithServiceURL(serviceURL),
		config.WithRequestTimeoutMs(2000),
	)
}

func TestRestRequestCarriesBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	m, err := NewManager(testConfig(server.URL))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Shutdown())
	}()

	resp, err := m.Perform(context.Background(), &Request{
		Verb: http.MethodGet,
		Path: "/v2/keys/abc/1",
		Auth: Auth{Basic: &BasicAuth{Username: "user", Password: "pass"}},
	})
	require.NoError(t, err)
	require.True(t, resp.OK())
	require.True(t, gotOK)
	require.Equal(t, "user", gotUser)
	require.Equal(t, "pass", gotPass)
}

func TestRestRequestCarriesAccessKey(t *testing.T) {
	accessKey := []byte("0123456789abcdef")
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(accessKeyHeader)
		w.WriteHeader(401)
	}))
	defer server.Close()

	m, err := NewManager(testConfig(server.URL))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Shutdown())
	}()

	resp, err := m.Perform(context.Background(), &Request{
		Verb: http.MethodPut,
		Path: "/v1/messages/abc",
		Body: []byte(`{}`),
		Auth: Auth{AccessKey: accessKey},
	})
	require.NoError(t, err)
	require.Equal(t, 401, resp.Status)
	require.Equal(t, base64.StdEncoding.EncodeToString(accessKey), gotHeader)
}

func TestWebsocketRequestResponse(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/websocket/", r.URL.Path)
		require.Equal(t, "user", r.URL.Query().Get("login"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() {
			_ = conn.Close()
		}()
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if err := conn.WriteJSON(&wsFrame{
				Type:   frameTypeResponse,
				ID:     frame.ID,
				Status: 200,
				Body:   []byte(`{"echo":true}`),
			}); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	m, err := NewManager(testConfig(server.URL))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Shutdown())
	}()

	resp, err := m.Perform(context.Background(), &Request{
		Verb:         http.MethodGet,
		Path:         "/v2/keys/abc/1",
		Auth:         Auth{Basic: &BasicAuth{Username: "user", Password: "pass"}},
		ViaWebsocket: true,
	})
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
}

func TestWebsocketFailureIsTagged(t *testing.T) {
	m, err := NewManager(testConfig("https://127.0.0.1:1"))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Shutdown())
	}()

	_, err = m.Perform(context.Background(), &Request{
		Verb:         http.MethodGet,
		Path:         "/v2/keys/abc/1",
		ViaWebsocket: true,
	})
	var wsErr *WebsocketError
	require.ErrorAs(t, err, &wsErr)
}
