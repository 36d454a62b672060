package alpaca

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/reader"
)

func handshakeAgainst(t *testing.T, reply string) error {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"success","msg":"connected"}]`))
		var req authRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		assert.Equal(t, "auth", req.Action)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	return NewStream(srv.URL, "key", "secret").Handshake(context.Background(), conn)
}

func TestHandshake(t *testing.T) {
	require.NoError(t, handshakeAgainst(t, `[{"T":"success","msg":"authenticated"}]`))

	err := handshakeAgainst(t, `[{"T":"error","code":402,"msg":"auth failed"}]`)
	require.ErrorIs(t, err, reader.ErrAuthRejected)

	err = handshakeAgainst(t, `[{"T":"error","code":406,"msg":"connection limit exceeded"}]`)
	require.Error(t, err)
	assert.NotErrorIs(t, err, reader.ErrAuthRejected)
}

func TestParseTrades(t *testing.T) {
	quotes, err := NewStream("", "", "").Parse([]byte(`[{"T":"t","S":"aapl","p":189.5,"s":100},{"T":"q","S":"AAPL"},{"T":"t","S":"MSFT","p":410.25}]`))
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "AAPL", quotes[0].Native)
	assert.Equal(t, 189.5, quotes[0].Price)
	assert.Nil(t, quotes[0].Change)
	assert.Equal(t, "MSFT", quotes[1].Native)
}

func TestSubscriptions(t *testing.T) {
	subs := NewStream("", "", "").Subscriptions([]string{"AAPL", "MSFT"})
	require.Len(t, subs, 1)
	assert.Equal(t, subscribeRequest{Action: "subscribe", Trades: []string{"AAPL", "MSFT"}}, subs[0])
}
