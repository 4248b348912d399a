package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"socialfeed/internal/notifications"
	"socialfeed/internal/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// listen serves env's app on a loopback port and returns its address.
func listen(t *testing.T, env *testEnv) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	env.server.app = env.app
	go func() { _ = env.app.Listener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.server.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func dial(t *testing.T, env *testEnv, addr, path string) *websocket.Conn {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/ws/ticket", env.token(t, ann), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticket := decode[map[string]any](t, resp)["ticket"].(string)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+path+"?ticket="+ticket, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads frames until one of eventType satisfies match.
func next[T any](t *testing.T, conn *websocket.Conn, eventType string, match func(T) bool) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := notifications.Decode(raw)
		require.NoError(t, err)
		if msg.Type != eventType {
			continue
		}
		var payload T
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		if match(payload) {
			return payload
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, kind string, payload any) {
	t.Helper()
	data, err := notifications.Encode(kind, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// holdCreates parks every insert into table until release is called. Each
// parked insert signals entered.
func holdCreates(t *testing.T, env *testEnv, table string) (entered <-chan struct{}, release func()) {
	t.Helper()
	signal := make(chan struct{}, 4)
	gate := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	err := env.rt.DB.Callback().Create().Before("gorm:begin_transaction").Register("test:hold_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table != table {
			return
		}
		signal <- struct{}{}
		<-gate
	})
	require.NoError(t, err)
	return signal, release
}

func waitEntered(t *testing.T, entered <-chan struct{}) {
	t.Helper()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("insert never started")
	}
}

func TestFeedSocket(t *testing.T) {
	env := newTestEnv(t)
	addr := listen(t, env)
	conn := dial(t, env, addr, "/api/ws/feed")

	next(t, conn, notifications.EventFeedSnapshot, func(service.FeedSnapshot) bool { return true })
	assert.Eventually(t, func() bool { return env.server.feedHub.CountFor(ann) == 1 }, time.Second, 10*time.Millisecond)

	post, err := env.rt.PostService.CreatePost(context.Background(), service.CreatePostInput{Author: "bob@example.com", Text: "hello"})
	require.NoError(t, err)

	next(t, conn, notifications.EventFeedSnapshot, func(s service.FeedSnapshot) bool {
		return len(s.Posts) == 1 && s.Posts[0].ID == post.ID
	})

	send(t, conn, "like", map[string]string{"post_id": post.ID})
	liked := next(t, conn, notifications.EventFeedSnapshot, func(s service.FeedSnapshot) bool {
		return len(s.Posts) == 1 && s.Posts[0].Likes == 1
	})
	assert.Equal(t, post.ID, liked.Posts[0].ID)

	send(t, conn, "submit_reply", map[string]string{"post_id": post.ID, "text": "  "})
	errPayload := next(t, conn, notifications.EventError, func(notifications.ErrorPayload) bool { return true })
	assert.Equal(t, "VALIDATION_ERROR", errPayload.Code)

	send(t, conn, "submit_reply", map[string]string{"post_id": post.ID, "text": "hi bob"})
	next(t, conn, notifications.EventFeedSnapshot, func(s service.FeedSnapshot) bool {
		return len(s.Posts) == 1 && s.Posts[0].ReplyCount == 1
	})

	send(t, conn, "launch", nil)
	errPayload = next(t, conn, notifications.EventError, func(notifications.ErrorPayload) bool { return true })
	assert.Contains(t, errPayload.Message, "Unknown command")

	_ = conn.Close()
	assert.Eventually(t, func() bool { return env.server.feedHub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestProfileSocket(t *testing.T) {
	env := newTestEnv(t)
	addr := listen(t, env)
	conn := dial(t, env, addr, "/api/ws/profile")

	first := next(t, conn, notifications.EventProfileSnapshot, func(s service.ProfileSnapshot) bool { return s.Loaded })
	assert.Equal(t, ann, first.Saved.DisplayName)

	send(t, conn, "edit", nil)
	send(t, conn, "set_display_name", map[string]string{"value": "Ann"})
	send(t, conn, "set_bio", map[string]string{"value": "Gardener"})
	send(t, conn, "save", nil)

	saved := next(t, conn, notifications.EventProfileSnapshot, func(s service.ProfileSnapshot) bool {
		return s.Notice != "" && s.Stats.PostsCount == 1
	})
	assert.Equal(t, service.ProfileFields{DisplayName: "Ann", Bio: "Gardener"}, saved.Saved)
	assert.False(t, saved.Editing)
}

func TestSignOutClosesSockets(t *testing.T) {
	env := newTestEnv(t)
	addr := listen(t, env)
	conn := dial(t, env, addr, "/api/ws/feed")
	next(t, conn, notifications.EventFeedSnapshot, func(service.FeedSnapshot) bool { return true })

	resp := env.do(t, http.MethodPost, "/api/session/signout", env.token(t, ann), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		break
	}
	assert.Eventually(t, func() bool { return env.server.feedHub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFeedSocket_RepeatedSubmitWhilePending(t *testing.T) {
	env := newTestEnv(t)
	addr := listen(t, env)
	conn := dial(t, env, addr, "/api/ws/feed")
	next(t, conn, notifications.EventFeedSnapshot, func(service.FeedSnapshot) bool { return true })

	post, err := env.rt.PostService.CreatePost(context.Background(), service.CreatePostInput{Author: "bob@example.com", Text: "hello"})
	require.NoError(t, err)
	next(t, conn, notifications.EventFeedSnapshot, func(s service.FeedSnapshot) bool { return len(s.Posts) == 1 })

	entered, release := holdCreates(t, env, "replies")
	send(t, conn, "submit_reply", map[string]string{"post_id": post.ID, "text": "hi"})
	send(t, conn, "submit_reply", map[string]string{"post_id": post.ID, "text": "hi"})

	waitEntered(t, entered)
	assert.Never(t, func() bool { return len(entered) > 0 }, 200*time.Millisecond, 10*time.Millisecond,
		"second submit must not reach the store")
	release()

	next(t, conn, notifications.EventFeedSnapshot, func(s service.FeedSnapshot) bool {
		return len(s.Posts) == 1 && s.Posts[0].ReplyCount == 1
	})
	var n int64
	require.NoError(t, env.rt.DB.Table("replies").Where("post_id = ?", post.ID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestProfileSocket_RepeatedSaveWhilePending(t *testing.T) {
	env := newTestEnv(t)
	addr := listen(t, env)
	conn := dial(t, env, addr, "/api/ws/profile")
	next(t, conn, notifications.EventProfileSnapshot, func(s service.ProfileSnapshot) bool { return s.Loaded })

	send(t, conn, "edit", nil)
	send(t, conn, "set_bio", map[string]string{"value": "Gardener"})

	entered, release := holdCreates(t, env, "posts")
	send(t, conn, "save", nil)
	send(t, conn, "save", nil)

	waitEntered(t, entered)
	assert.Never(t, func() bool { return len(entered) > 0 }, 200*time.Millisecond, 10*time.Millisecond,
		"second save must not reach the store")
	release()

	next(t, conn, notifications.EventProfileSnapshot, func(s service.ProfileSnapshot) bool {
		return s.Notice != "" && s.Stats.PostsCount == 1
	})
	var n int64
	require.NoError(t, env.rt.DB.Table("posts").
		Where("user_email = ? AND is_profile_update = ?", ann, true).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}
