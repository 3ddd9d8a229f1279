package rabbit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebsocketServer(t *testing.T) (string, *Router) {
	r := newTestRouter(nil)
	ts := httptest.NewServer(r.Websocket().Servers()[0].Handler)
	t.Cleanup(func() {
		r.Close()
		ts.Close()
	})
	return ts.URL, r
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/"
}

func receiveFrame(t *testing.T, conn Transport, s Serializer) Message {
	t.Helper()
	select {
	case frame, ok := <-conn.Receive():
		require.True(t, ok, "receive channel closed")
		msg, err := s.Deserialize(frame)
		require.NoError(t, err)
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func testWebsocketHandshake(t *testing.T, serialization Serialization) {
	url, _ := newTestWebsocketServer(t)

	conn, s, err := DialWebsocket(serialization, wsURL(url), nil)
	require.NoError(t, err)
	defer conn.Close(CloseNormal, "")

	b, err := s.Serialize(&Hello{Realm: testRealm, Details: map[string]interface{}{}})
	require.NoError(t, err)
	require.NoError(t, conn.Send(b))

	welcome, ok := receiveFrame(t, conn, s).(*Welcome)
	require.True(t, ok)
	assert.NotZero(t, welcome.ID)

	b, err = s.Serialize(&Goodbye{Details: map[string]interface{}{}, Reason: ReasonCloseRealm})
	require.NoError(t, err)
	require.NoError(t, conn.Send(b))

	bye, ok := receiveFrame(t, conn, s).(*Goodbye)
	require.True(t, ok)
	assert.Equal(t, ReasonGoodbyeAndOut, bye.Reason)
}

func TestWSHandshakeJSON(t *testing.T) {
	testWebsocketHandshake(t, JSON)
}

func TestWSHandshakeMsgpack(t *testing.T) {
	testWebsocketHandshake(t, MSGPACK)
}

func TestWSGreeting(t *testing.T) {
	url, _ := newTestWebsocketServer(t)

	resp, err := http.Get(url + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, greeting, string(body))
}

func TestWSRegisterProtocol(t *testing.T) {
	s := NewWebsocketServer("/")
	assert.Error(t, s.RegisterProtocol(jsonWebsocketProtocol, 1, new(JSONSerializer)))
	assert.Error(t, s.RegisterProtocol("wamp.2.custom", 99, new(JSONSerializer)))
}

func TestWSListenNeedsOneServer(t *testing.T) {
	s := NewWebsocketServer("/", &http.Server{}, &http.Server{})
	assert.Error(t, s.Listen(0))
}
