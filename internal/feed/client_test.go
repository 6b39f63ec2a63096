package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type capturedFrame struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

func newTestServer(t *testing.T, frames *[]capturedFrame, mu *sync.Mutex, ready chan struct{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f capturedFrame
			if err := json.Unmarshal(data, &f); err == nil {
				mu.Lock()
				*frames = append(*frames, f)
				n := len(*frames)
				mu.Unlock()
				if n == 1 && ready != nil {
					close(ready)
					ready = nil
				}
			}
		}
	}))
}

// TestChunkedSubscribeSendsMultipleFramesUnderLimit covers literal scenario
// 5: 60 token ids with max_frame_bytes=200 must produce at least two
// frames, each within the byte budget, whose union is the full id set and
// each of which carries type=<channel>.
func TestChunkedSubscribeSendsMultipleFramesUnderLimit(t *testing.T) {
	var mu sync.Mutex
	var frames []capturedFrame
	srv := newTestServer(t, &frames, &mu, nil)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ids := make([]string, 60)
	for i := range ids {
		ids[i] = fmt.Sprintf("token-%02d", i)
	}

	c := NewClient(Config{
		WSURL:         wsURL,
		Channel:       "market",
		MaxFrameBytes: 200,
	}, Handlers{})
	if err := c.Subscribe(ids); err != nil {
		t.Fatalf("Subscribe before connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(frames) < 2 {
		t.Fatalf("expected >= 2 frames, got %d: %+v", len(frames), frames)
	}

	union := map[string]struct{}{}
	for _, f := range frames {
		if f.Type != "market" {
			t.Errorf("frame missing type=market: %+v", f)
		}
		data, _ := json.Marshal(f)
		if len(data) > 200 {
			t.Errorf("frame exceeds byte budget: %d bytes", len(data))
		}
		for _, id := range f.AssetsIDs {
			union[id] = struct{}{}
		}
	}
	if len(union) != len(ids) {
		t.Errorf("expected union of %d ids, got %d", len(ids), len(union))
	}
}

func TestChunkIDsRespectsMaxFrameBytes(t *testing.T) {
	c := NewClient(Config{Channel: "market", MaxFrameBytes: 80}, Handlers{})
	ids := []string{"aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc", "dddddddddd", "eeeeeeeeee"}
	chunks := c.chunkIDs(ids, "")
	if len(chunks) < 2 {
		t.Fatalf("expected chunking to occur, got %d chunk(s)", len(chunks))
	}
	seen := map[string]struct{}{}
	for _, chunk := range chunks {
		if c.frameSize(chunk, "") > 80 {
			t.Errorf("chunk exceeds max frame bytes: %v", chunk)
		}
		for _, id := range chunk {
			seen[id] = struct{}{}
		}
	}
	if len(seen) != len(ids) {
		t.Errorf("expected union to cover all ids, got %d/%d", len(seen), len(ids))
	}
}

func TestIsPingPongFrameDetectsTextAndJSON(t *testing.T) {
	if isPing, isHeartbeat := isPingPongFrame([]byte("PING")); !isPing || !isHeartbeat {
		t.Errorf("expected text PING to classify as ping heartbeat")
	}
	if isPing, isHeartbeat := isPingPongFrame([]byte("pong")); isPing || !isHeartbeat {
		t.Errorf("expected text pong to classify as pong heartbeat")
	}
	if isPing, isHeartbeat := isPingPongFrame([]byte(`{"event_type":"ping"}`)); !isPing || !isHeartbeat {
		t.Errorf("expected JSON ping hint to classify as ping heartbeat")
	}
	if _, isHeartbeat := isPingPongFrame([]byte(`{"event_type":"trade"}`)); isHeartbeat {
		t.Errorf("trade message must not classify as heartbeat")
	}
}
