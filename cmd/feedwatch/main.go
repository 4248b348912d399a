// Command feedwatch opens live feed connections against a running server,
// prints what they see and optionally likes posts to generate traffic.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Metrics tracks the run results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	SnapshotsReceived    int64
	LikesSent            int64
	Errors               int64
}

var metrics Metrics

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type feedSnapshot struct {
	Posts []struct {
		ID         string `json:"id"`
		User       string `json:"user"`
		Text       string `json:"text"`
		Likes      int    `json:"likes"`
		ReplyCount int    `json:"reply_count"`
	} `json:"posts"`
	Error string `json:"error,omitempty"`
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	token := flag.String("token", os.Getenv("SOCIALFEED_TOKEN"), "Session token (see cmd/token)")
	clients := flag.Int("clients", 1, "Number of concurrent connections")
	likeEvery := flag.Duration("like-every", 0, "Like the newest post at this interval (0 disables)")
	duration := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.Parse()

	if *token == "" {
		log.Fatal("❌ a session token is required (-token or SOCIALFEED_TOKEN)")
	}

	log.Printf("👀 Watching feed on %s with %d client(s)", *host, *clients)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, *token, i, *likeEvery, *clients == 1, stopChan, &wg)
		time.Sleep(50 * time.Millisecond)
	}

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}
	select {
	case <-timeout:
		log.Println("⏱️  Duration reached")
	case <-interrupt:
		log.Println("🛑 Interrupted by user")
	}

	close(stopChan)
	wg.Wait()

	printMetrics()
}

func getTicket(host, token string) (string, error) {
	ticketURL := fmt.Sprintf("http://%s/api/ws/ticket", host)
	req, _ := http.NewRequest(http.MethodPost, ticketURL, nil)
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket issuance failed with status %d", resp.StatusCode)
	}

	var result struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Ticket, nil
}

func runClient(host, token string, id int, likeEvery time.Duration, verbose bool, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	ticket, err := getTicket(host, token)
	if err != nil {
		log.Printf("client %d: %v", id, err)
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	u := url.URL{Scheme: "ws", Host: host, Path: "/api/ws/feed", RawQuery: "ticket=" + ticket}
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Printf("client %d: dial: %v", id, err)
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	var newest atomic.Value
	go func() {
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				continue
			}
			switch f.Type {
			case "feed_snapshot":
				atomic.AddInt64(&metrics.SnapshotsReceived, 1)
				var snap feedSnapshot
				if err := json.Unmarshal(f.Payload, &snap); err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					continue
				}
				if len(snap.Posts) > 0 {
					newest.Store(snap.Posts[0].ID)
				}
				if verbose {
					printSnapshot(snap)
				}
			case "error":
				atomic.AddInt64(&metrics.Errors, 1)
				log.Printf("client %d: server error: %s", id, f.Payload)
			}
		}
	}()

	var tick <-chan time.Time
	if likeEvery > 0 {
		ticker := time.NewTicker(likeEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-tick:
			postID, _ := newest.Load().(string)
			if postID == "" {
				continue
			}
			msg, _ := json.Marshal(map[string]any{
				"type":    "like",
				"payload": map[string]string{"post_id": postID},
			})
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.LikesSent, 1)
		}
	}
}

func printSnapshot(snap feedSnapshot) {
	fmt.Printf("── %s ── %d posts\n", time.Now().Format(time.TimeOnly), len(snap.Posts))
	if snap.Error != "" {
		fmt.Printf("   ! %s\n", snap.Error)
	}
	for _, p := range snap.Posts {
		text := p.Text
		if len(text) > 60 {
			text = text[:57] + "..."
		}
		fmt.Printf("   %-24s ♥ %-3d ↩ %-3d %s\n", p.User, p.Likes, p.ReplyCount, text)
	}
}

func printMetrics() {
	log.Println("📊 Results")
	log.Printf("Connections: %d attempted, %d ok, %d failed",
		metrics.ConnectionsAttempted, metrics.ConnectionsSuccess, metrics.ConnectionsFailed)
	log.Printf("Snapshots received: %d", metrics.SnapshotsReceived)
	log.Printf("Likes sent: %d", metrics.LikesSent)
	log.Printf("Errors: %d", metrics.Errors)
}
