package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"socialfeed/internal/middleware"
	"socialfeed/internal/models"
	"socialfeed/internal/service"
	"socialfeed/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ann = "ann@example.com"

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing token", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/posts", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/posts", "not-a-token", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("session resolves identity", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/session", env.token(t, "Ann@Example.com"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		id := decode[session.Identity](t, resp)
		assert.Equal(t, ann, id.Email)
	})

	t.Run("query token refused on websocket paths", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/ws/feed?token="+env.token(t, ann), "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestSignOutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, ann)

	resp := env.do(t, http.MethodPost, "/api/session/signout", tok, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/session", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, "Token has been revoked", body.Error)
}

func TestWSTicket(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/ws/ticket", env.token(t, ann), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	ticket, _ := body["ticket"].(string)
	require.NotEmpty(t, ticket)

	// A plain GET passes auth and then fails the upgrade.
	resp = env.do(t, http.MethodGet, "/api/ws/feed?ticket="+ticket, "", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.False(t, env.mr.Exists(session.TicketKey(ticket)), "ticket is consumed from redis")

	resp = env.do(t, http.MethodGet, "/api/ws/feed?ticket="+ticket, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "tickets are single use")

	resp = env.do(t, http.MethodGet, "/api/ws/feed?ticket=unknown", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSTicket_NotReplayableOnAPI(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/ws/ticket", env.token(t, ann), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticket := decode[map[string]any](t, resp)["ticket"].(string)

	body := map[string]string{"text": "via ticket"}
	resp = env.do(t, http.MethodPost, "/api/posts?ticket="+ticket, "", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp = env.do(t, http.MethodPost, "/api/posts?ticket="+ticket, "", body)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	var n int64
	require.NoError(t, env.rt.DB.Model(&models.Post{}).Where("text = ?", "via ticket").Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestCreatePostAndFeed(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, ann)

	resp := env.do(t, http.MethodPost, "/api/posts", tok, map[string]string{"text": "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeValidation, errBody.Code)
	assert.Equal(t, "Please add some text or an image", errBody.Error)

	resp = env.do(t, http.MethodPost, "/api/posts", tok, map[string]string{"text": "first"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[models.Post](t, resp)
	assert.Equal(t, ann, first.User)
	assert.Equal(t, 0, first.Likes)

	resp = env.do(t, http.MethodPost, "/api/posts", tok, map[string]string{"text": "second"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/posts", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	feed := decode[service.FeedSnapshot](t, resp)
	require.Len(t, feed.Posts, 2)
	assert.Equal(t, "second", feed.Posts[0].Text)
	assert.Equal(t, "first", feed.Posts[1].Text)
}

func multipartPost(t *testing.T, env *testEnv, tok, text, fileName, contentType string, content []byte) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("text", text))

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="`+fileName+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/posts", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestCreatePostMultipart(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, ann)

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	pngBuf := &bytes.Buffer{}
	require.NoError(t, png.Encode(pngBuf, img))

	t.Run("image is embedded", func(t *testing.T) {
		resp := multipartPost(t, env, tok, "with picture", "dot.png", "image/png", pngBuf.Bytes())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		post := decode[models.Post](t, resp)
		assert.True(t, strings.HasPrefix(post.ImageURL, "data:image/png;base64,"))
	})

	t.Run("non image rejected", func(t *testing.T) {
		resp := multipartPost(t, env, tok, "notes", "notes.txt", "text/plain", []byte("hello"))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[models.ErrorResponse](t, resp)
		assert.Equal(t, "Please select an image file", body.Error)
	})

}

func TestLikeAndReply(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, ann)
	ctx := context.Background()

	resp := env.do(t, http.MethodPost, "/api/posts", tok, map[string]string{"text": "like me"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	post := decode[models.Post](t, resp)

	resp = env.do(t, http.MethodPost, "/api/posts/"+post.ID+"/like", tok, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/posts/"+post.ID+"/like", tok, map[string]int{"likes": 3})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	posts, err := env.rt.Posts.List(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, 4, posts[0].Likes)

	resp = env.do(t, http.MethodPost, "/api/posts/"+post.ID+"/replies", tok, map[string]string{"text": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/posts/"+post.ID+"/replies", tok, map[string]string{"text": "nice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reply := decode[models.Reply](t, resp)
	assert.Equal(t, post.ID, reply.PostID)

	resp = env.do(t, http.MethodGet, "/api/posts", tok, nil)
	feed := decode[service.FeedSnapshot](t, resp)
	require.Len(t, feed.Posts, 1)
	assert.Equal(t, 1, feed.Posts[0].ReplyCount)
}

func TestProfile(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, ann)

	for _, text := range []string{"one", "two"} {
		resp := env.do(t, http.MethodPost, "/api/posts", tok, map[string]string{"text": text})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/profile", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[service.ProfileSnapshot](t, resp)
	assert.Equal(t, ann, page.Saved.DisplayName)
	assert.Equal(t, 2, page.Stats.PostsCount)

	resp = env.do(t, http.MethodPut, "/api/profile", tok, service.ProfileFields{DisplayName: strings.Repeat("x", 500)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/profile", tok, service.ProfileFields{DisplayName: "Ann", Bio: "Gardener"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	saved := decode[service.ProfileFields](t, resp)
	assert.Equal(t, "Ann", saved.DisplayName)

	resp = env.do(t, http.MethodGet, "/api/profile", tok, nil)
	page = decode[service.ProfileSnapshot](t, resp)
	assert.Equal(t, service.ProfileFields{DisplayName: "Ann", Bio: "Gardener"}, page.Saved)
	assert.Equal(t, "A", page.Initial)
	assert.Equal(t, 3, page.Stats.PostsCount)

	var updates int
	for _, p := range page.Posts {
		if p.IsProfileUpdate {
			updates++
			assert.Equal(t, "📝 Profile Updated: Gardener", p.Text)
		}
	}
	assert.Equal(t, 1, updates)
}

func TestFeatureFlags(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/feature-flags", env.token(t, ann), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flags := decode[map[string]bool](t, resp)
	assert.Equal(t, map[string]bool{"atomic_likes": false}, flags)
}

func TestRateLimitedProfileSaves(t *testing.T) {
	env := newTestEnv(t)
	env.server.limiter = middleware.NewRateLimiter(env.rt.Redis, true)
	env.app = env.server.newApp()
	tok := env.token(t, ann)

	for i := 0; i < limitProfile.max; i++ {
		resp := env.do(t, http.MethodPut, "/api/profile", tok, service.ProfileFields{DisplayName: "Ann"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "save %d", i)
	}

	resp := env.do(t, http.MethodPut, "/api/profile", tok, service.ProfileFields{DisplayName: "Ann"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeRateLimited, body.Code)

	// Other callers have their own budget.
	resp = env.do(t, http.MethodPut, "/api/profile", env.token(t, "bob@example.com"), service.ProfileFields{DisplayName: "Bob"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
