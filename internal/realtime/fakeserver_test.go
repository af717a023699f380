package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

const (
	testAppKey    = "key"
	testAppSecret = "secret"
)

// fakePusher is a minimal Channels server that checks grant signatures.
type fakePusher struct {
	srv *httptest.Server

	mu           sync.Mutex
	conns        map[*fakeConn]struct{}
	sockets      int
	subscribes   map[string]int
	unsubscribes map[string]int
	signins      []string
	clientEvents []Event
}

type fakeConn struct {
	ws       *websocket.Conn
	socketID string
	writeMu  sync.Mutex
	channels map[string]bool
}

func (c *fakeConn) write(ev Event) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(ev)
}

func newFakePusher(t *testing.T) *fakePusher {
	t.Helper()
	f := &fakePusher{
		conns:        make(map[*fakeConn]struct{}),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePusher) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func sign(parts ...string) string {
	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write([]byte(strings.Join(parts, "")))
	return testAppKey + ":" + hex.EncodeToString(mac.Sum(nil))
}

func stringData(v any) json.RawMessage {
	inner, _ := json.Marshal(v)
	outer, _ := json.Marshal(string(inner))
	return outer
}

func (f *fakePusher) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.sockets++
	c := &fakeConn{ws: ws, socketID: fmt.Sprintf("%d.%d", f.sockets, f.sockets*7), channels: make(map[string]bool)}
	f.conns[c] = struct{}{}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.conns, c)
		f.mu.Unlock()
		ws.Close()
	}()

	c.write(Event{Event: eventConnectionEstablished, Data: stringData(connectionEstablished{SocketID: c.socketID, ActivityTimeout: 120})})

	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			return
		}
		switch ev.Event {
		case eventPing:
			c.write(Event{Event: eventPong, Data: json.RawMessage(`{}`)})
		case eventSubscribe:
			var d subscribeData
			_ = json.Unmarshal(ev.Data, &d)
			if d.Auth != sign(c.socketID, ":", d.Channel) {
				c.write(Event{Event: eventSubscriptionError, Channel: d.Channel, Data: stringData(map[string]any{"type": "AuthError", "status": 401})})
				continue
			}
			f.mu.Lock()
			f.subscribes[d.Channel]++
			c.channels[d.Channel] = true
			f.mu.Unlock()
			c.write(Event{Event: eventSubscriptionSucceeded, Channel: d.Channel, Data: json.RawMessage(`"{}"`)})
		case eventUnsubscribe:
			var d subscribeData
			_ = json.Unmarshal(ev.Data, &d)
			f.mu.Lock()
			f.unsubscribes[d.Channel]++
			delete(c.channels, d.Channel)
			f.mu.Unlock()
		case eventSignin:
			var d signinData
			_ = json.Unmarshal(ev.Data, &d)
			if d.Auth != sign(c.socketID, "::user::", d.UserData) {
				c.write(Event{Event: eventError, Data: json.RawMessage(`{"code":4009,"message":"bad signature"}`)})
				continue
			}
			f.mu.Lock()
			f.signins = append(f.signins, d.UserData)
			f.mu.Unlock()
			c.write(Event{Event: eventSigninSuccess, Data: stringData(map[string]string{"user_data": d.UserData})})
		default:
			if strings.HasPrefix(ev.Event, clientEventPrefix) {
				f.mu.Lock()
				f.clientEvents = append(f.clientEvents, ev)
				f.mu.Unlock()
			}
		}
	}
}

// emit sends a server event to every socket subscribed to channel.
func (f *fakePusher) emit(channel, event string, payload json.RawMessage) {
	data, _ := json.Marshal(string(payload))
	f.mu.Lock()
	var targets []*fakeConn
	for c := range f.conns {
		if c.channels[channel] {
			targets = append(targets, c)
		}
	}
	f.mu.Unlock()
	for _, c := range targets {
		c.write(Event{Event: event, Channel: channel, Data: data})
	}
}

// dropAll severs every connection without a close handshake.
func (f *fakePusher) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		c.ws.UnderlyingConn().Close()
	}
}

func (f *fakePusher) subscribeCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[channel]
}

func (f *fakePusher) unsubscribeCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes[channel]
}

func (f *fakePusher) signinUsers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.signins...)
}

func (f *fakePusher) sentClientEvents() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.clientEvents...)
}
