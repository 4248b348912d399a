package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"socialfeed/internal/middleware"
	"socialfeed/internal/models"
	"socialfeed/internal/notifications"
	"socialfeed/internal/observability"
	"socialfeed/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Inbound commands.
const (
	cmdLike           = "like"
	cmdToggleReply    = "toggle_reply"
	cmdReplyDraft     = "reply_draft"
	cmdSubmitReply    = "submit_reply"
	cmdEdit           = "edit"
	cmdSetDisplayName = "set_display_name"
	cmdSetBio         = "set_bio"
	cmdCancel         = "cancel"
	cmdSave           = "save"
	cmdRefresh        = "refresh"
)

type command struct {
	PostID string `json:"post_id"`
	Text   string `json:"text"`
	Likes  *int   `json:"likes"`
	Value  string `json:"value"`
}

// FeedSocket streams feed_snapshot messages and runs feed commands.
func (s *Server) FeedSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client, ctx, cancel, ok := s.registerSocket(conn, s.feedHub)
		if !ok {
			return
		}
		defer cancel()

		view, err := s.posts.OpenFeed(ctx, client.Identity, func(snap service.FeedSnapshot) {
			push(client, notifications.EventFeedSnapshot, snap)
		})
		if err != nil {
			s.rejectSocket(client, err)
			return
		}
		defer view.Close()
		var inflight sync.WaitGroup
		defer inflight.Wait()

		client.IncomingHandler = func(c *notifications.Client, raw []byte) {
			msg, cmd, ok := decodeCommand(c, raw)
			if !ok {
				return
			}
			if msg.Type == cmdRefresh {
				push(c, notifications.EventFeedSnapshot, view.Snapshot())
				return
			}
			if !s.commandAllowed(ctx, c, msg.Type) {
				return
			}
			run := func() error { return runFeedCommand(ctx, view, msg.Type, cmd) }
			if writeCommands[msg.Type] {
				dispatch(&inflight, c, run)
				return
			}
			if err := run(); err != nil {
				sendError(c, err)
			}
		}

		go client.WritePump()
		client.ReadPump()
	})
}

// Commands that write to the store run off the read loop, so a repeated
// submit reaches the view while the first is still pending and is dropped
// by its submitting guard.
var writeCommands = map[string]bool{
	cmdLike:        true,
	cmdSubmitReply: true,
	cmdSave:        true,
}

func dispatch(wg *sync.WaitGroup, c *notifications.Client, run func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run(); err != nil {
			sendError(c, err)
		}
	}()
}

type actionLimit struct {
	resource string
	max      int
	window   time.Duration
}

var (
	limitLike    = actionLimit{"like_post", 60, time.Minute}
	limitReply   = actionLimit{"create_reply", 30, time.Minute}
	limitProfile = actionLimit{"update_profile", 10, time.Minute}
)

// Socket commands that write share the HTTP endpoints' budgets.
var commandLimits = map[string]actionLimit{
	cmdLike:        limitLike,
	cmdSubmitReply: limitReply,
	cmdSave:        limitProfile,
}

// commandAllowed reports whether c may run kind now. Limiter failures let
// the command through.
func (s *Server) commandAllowed(ctx context.Context, c *notifications.Client, kind string) bool {
	lim, ok := commandLimits[kind]
	if !ok {
		return true
	}
	d, err := s.limiter.Allow(ctx, lim.resource, "user:"+c.Identity, lim.max, lim.window)
	if err != nil || d.Allowed {
		return true
	}
	sendError(c, models.NewRateLimitError())
	return false
}

func runFeedCommand(ctx context.Context, view *service.FeedView, kind string, cmd command) error {
	switch kind {
	case cmdLike:
		known, ok := view.KnownLikes(cmd.PostID)
		if cmd.Likes != nil {
			known, ok = *cmd.Likes, true
		}
		if !ok {
			return models.NewValidationError("Post not found")
		}
		return view.Like(ctx, cmd.PostID, known)
	case cmdToggleReply:
		view.ToggleReplyForm(cmd.PostID)
	case cmdReplyDraft:
		view.SetReplyDraft(cmd.PostID, cmd.Text)
	case cmdSubmitReply:
		return view.SubmitReply(ctx, cmd.PostID, cmd.Text)
	default:
		return models.NewValidationError("Unknown command: " + kind)
	}
	return nil
}

// ProfileSocket streams profile_snapshot messages and runs profile commands.
func (s *Server) ProfileSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client, ctx, cancel, ok := s.registerSocket(conn, s.profileHub)
		if !ok {
			return
		}
		defer cancel()

		view, err := s.profiles.OpenProfile(ctx, client.Identity, func(snap service.ProfileSnapshot) {
			push(client, notifications.EventProfileSnapshot, snap)
		})
		if err != nil {
			s.rejectSocket(client, err)
			return
		}
		defer view.Close()
		var inflight sync.WaitGroup
		defer inflight.Wait()

		client.IncomingHandler = func(c *notifications.Client, raw []byte) {
			msg, cmd, ok := decodeCommand(c, raw)
			if !ok {
				return
			}
			if msg.Type == cmdRefresh {
				push(c, notifications.EventProfileSnapshot, view.Snapshot())
				return
			}
			if !s.commandAllowed(ctx, c, msg.Type) {
				return
			}
			run := func() error { return runProfileCommand(ctx, view, msg.Type, cmd) }
			if writeCommands[msg.Type] {
				dispatch(&inflight, c, run)
				return
			}
			if err := run(); err != nil {
				sendError(c, err)
			}
		}

		go client.WritePump()
		client.ReadPump()
	})
}

func runProfileCommand(ctx context.Context, view *service.ProfileView, kind string, cmd command) error {
	switch kind {
	case cmdEdit:
		view.BeginEdit()
	case cmdSetDisplayName:
		view.SetDisplayName(cmd.Value)
	case cmdSetBio:
		view.SetBio(cmd.Value)
	case cmdCancel:
		view.Cancel()
	case cmdSave:
		return view.Save(ctx)
	default:
		return models.NewValidationError("Unknown command: " + kind)
	}
	return nil
}

// registerSocket admits conn to hub under the identity AuthRequired resolved.
// The returned context lives as long as the connection.
func (s *Server) registerSocket(conn *websocket.Conn, hub *notifications.Hub) (*notifications.Client, context.Context, context.CancelFunc, bool) {
	who, _ := conn.Locals("identity").(string)
	if who == "" {
		slog.Warn("websocket: unauthenticated connection attempt", slog.String("hub", hub.Name()))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"code":"UNAUTHORIZED","message":"unauthorized"}}`))
		_ = conn.Close()
		return nil, nil, nil, false
	}

	client, err := hub.Register(who, conn)
	if err != nil {
		slog.Warn("websocket: register failed", slog.String("hub", hub.Name()), slog.String("identity", who), slog.String("error", err.Error()))
		if msg, encErr := notifications.Encode(notifications.EventError, notifications.ErrorPayload{Message: err.Error()}); encErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}
		_ = conn.Close()
		return nil, nil, nil, false
	}

	ctx, cancel := context.WithCancel(middleware.WithIdentity(context.Background(), who))
	slog.InfoContext(ctx, "websocket connected", slog.String("hub", hub.Name()))
	return client, ctx, cancel, true
}

// rejectSocket reports a failed view open and drops the connection.
func (s *Server) rejectSocket(client *notifications.Client, err error) {
	if msg, encErr := encodeError(err); encErr == nil {
		_ = client.Conn.WriteMessage(websocket.TextMessage, msg)
	}
	client.Hub.UnregisterClient(client)
	_ = client.Conn.Close()
}

func decodeCommand(c *notifications.Client, raw []byte) (notifications.Message, command, bool) {
	msg, err := notifications.Decode(raw)
	if err != nil {
		sendError(c, models.NewValidationError("Invalid message format"))
		return msg, command{}, false
	}
	observability.WebSocketEventsTotal.WithLabelValues(msg.Type).Inc()

	var cmd command
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			sendError(c, models.NewValidationError("Invalid message payload"))
			return msg, command{}, false
		}
	}
	return msg, cmd, true
}

// push offers a snapshot to c; a newer snapshot replaces an unsent one.
func push(c *notifications.Client, eventType string, payload any) {
	data, err := notifications.Encode(eventType, payload)
	if err != nil {
		slog.Error("websocket: encode failed", slog.String("type", eventType), slog.String("error", err.Error()))
		return
	}
	c.Offer(eventType, data)
}

func sendError(c *notifications.Client, err error) {
	data, encErr := encodeError(err)
	if encErr != nil {
		return
	}
	c.TrySend(data)
}

func encodeError(err error) ([]byte, error) {
	payload := notifications.ErrorPayload{Code: models.ErrorCode(err), Message: err.Error()}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		payload.Message = appErr.Message
	} else {
		payload.Code = models.CodeInternal
		payload.Message = "Something went wrong"
	}
	return notifications.Encode(notifications.EventError, payload)
}
