package notifications

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub("feed hub")

	a, err := hub.Register("Ann@Example.com", nil)
	require.NoError(t, err)
	b, err := hub.Register("ann@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", a.Identity)
	assert.Equal(t, 2, hub.CountFor("ann@example.com"))
	assert.Equal(t, 2, hub.Count())

	hub.UnregisterClient(a)
	hub.UnregisterClient(a)
	assert.Equal(t, 1, hub.Count())

	hub.UnregisterClient(b)
	assert.Equal(t, 0, hub.CountFor("ann@example.com"))

	_ = hub.Shutdown(context.Background())
}

func TestHub_PerUserLimit(t *testing.T) {
	hub := NewHub("feed hub")
	for i := 0; i < maxConnsPerUser; i++ {
		_, err := hub.Register("ann@example.com", nil)
		require.NoError(t, err)
	}
	_, err := hub.Register("ann@example.com", nil)
	assert.ErrorIs(t, err, ErrUserLimit)

	_, err = hub.Register("bob@example.com", nil)
	assert.NoError(t, err)

	_ = hub.Shutdown(context.Background())
}

func TestHub_RegisterAfterShutdown(t *testing.T) {
	hub := NewHub("profile hub")
	_, err := hub.Register("ann@example.com", nil)
	require.NoError(t, err)

	require.NoError(t, hub.Shutdown(context.Background()))
	require.NoError(t, hub.Shutdown(context.Background()))
	assert.Equal(t, 0, hub.Count())

	_, err = hub.Register("ann@example.com", nil)
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_DisconnectUser(t *testing.T) {
	hub := NewHub("feed hub")
	ann1, _ := hub.Register("ann@example.com", nil)
	ann2, _ := hub.Register("ann@example.com", nil)
	bob, _ := hub.Register("bob@example.com", nil)

	assert.Equal(t, 2, hub.DisconnectUser("ANN@example.com", "signed out"))
	for _, c := range []*Client{ann1, ann2} {
		select {
		case <-c.Done():
		default:
			t.Fatal("expected ann's clients to be closed")
		}
	}
	select {
	case <-bob.Done():
		t.Fatal("bob's client must stay open")
	default:
	}
	assert.Equal(t, 0, hub.DisconnectUser("nobody@example.com", "signed out"))

	_ = hub.Shutdown(context.Background())
	<-bob.Done()
}

func TestClient_OfferCoalesces(t *testing.T) {
	hub := NewHub("feed hub")
	c := NewClient(hub, nil, "ann@example.com")

	c.Offer(EventFeedSnapshot, []byte("v1"))
	c.Offer(EventProfileSnapshot, []byte("p1"))
	c.Offer(EventFeedSnapshot, []byte("v2"))

	assert.Len(t, c.wake, 1)
	assert.Equal(t, [][]byte{[]byte("v2"), []byte("p1")}, c.takePending())
	assert.Empty(t, c.takePending())

	c.Offer(EventFeedSnapshot, []byte("v3"))
	assert.Equal(t, [][]byte{[]byte("v3")}, c.takePending())
}

func TestClient_TrySendDropsWhenFull(t *testing.T) {
	hub := NewHub("feed hub")
	c := NewClient(hub, nil, "ann@example.com")
	c.Send = make(chan []byte, 1)

	assert.True(t, c.TrySend([]byte("one")))
	assert.False(t, c.TrySend([]byte("two")))
	assert.Equal(t, []byte("one"), <-c.Send)

	c.Close()
	c.Close()
	assert.False(t, c.TrySend([]byte("late")))
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(EventError, ErrorPayload{Code: "VALIDATION_ERROR", Message: "nope"})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventError, msg.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "nope", payload.Message)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
