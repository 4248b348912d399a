// Package session resolves the signed-in identity from signed session tokens
// and issues single-use WebSocket tickets.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	blacklistKey = "blacklist:%s"

	// TicketTTL bounds how long a WebSocket ticket can wait to be redeemed.
	TicketTTL = 60 * time.Second
)

var (
	ErrNoSession          = errors.New("no session")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrRevoked            = errors.New("token has been revoked")
	ErrInvalidTicket      = errors.New("invalid or expired websocket ticket")
	ErrTicketsUnavailable = errors.New("websocket tickets require redis")
)

// Identity is a resolved session.
type Identity struct {
	Email     string    `json:"email"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider resolves and revokes sessions.
type Provider interface {
	Issue(email string) (string, error)
	Resolve(ctx context.Context, token string) (Identity, error)
	SignOut(ctx context.Context, token string) error
	IssueTicket(ctx context.Context, email string) (string, error)
	RedeemTicket(ctx context.Context, ticket string) (Identity, error)
}

// Config configures a JWTProvider.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// JWTProvider signs HS256 session tokens whose subject is the identity. Redis,
// when present, stores revoked token ids and WebSocket tickets.
type JWTProvider struct {
	cfg Config
	rdb *redis.Client
	now func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
}

func NewJWTProvider(cfg Config, rdb *redis.Client) *JWTProvider {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &JWTProvider{cfg: cfg, rdb: rdb, now: time.Now}
}

// Issue returns a signed session token for email.
func (p *JWTProvider) Issue(email string) (string, error) {
	if p.cfg.Secret == "" {
		return "", fmt.Errorf("session secret not configured")
	}
	email = normalizeEmail(email)
	if email == "" {
		return "", fmt.Errorf("email is required")
	}

	now := p.now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   email,
		Issuer:    p.cfg.Issuer,
		Audience:  jwt.ClaimStrings{p.cfg.Audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.TTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(p.cfg.Secret))
}

func (p *JWTProvider) parse(token string) (*claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoSession
	}

	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(p.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if normalizeEmail(c.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}

// Resolve validates token and returns its identity. Revoked tokens are
// rejected when Redis is available.
func (p *JWTProvider) Resolve(ctx context.Context, token string) (Identity, error) {
	c, err := p.parse(token)
	if err != nil {
		return Identity{}, err
	}

	if p.rdb != nil && c.ID != "" {
		revoked, err := p.rdb.Exists(ctx, fmt.Sprintf(blacklistKey, c.ID)).Result()
		if err != nil {
			slog.WarnContext(ctx, "revocation check failed", slog.String("error", err.Error()))
		} else if revoked > 0 {
			return Identity{}, ErrRevoked
		}
	}

	return Identity{
		Email:     normalizeEmail(c.Subject),
		TokenID:   c.ID,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// SignOut revokes token until it would have expired.
func (p *JWTProvider) SignOut(ctx context.Context, token string) error {
	c, err := p.parse(token)
	if err != nil {
		return err
	}
	if p.rdb == nil {
		slog.WarnContext(ctx, "sign-out without redis; token stays valid until expiry",
			slog.String("user", c.Subject))
		return nil
	}

	ttl := c.ExpiresAt.Sub(p.now())
	if ttl <= 0 {
		return nil
	}
	return p.rdb.Set(ctx, fmt.Sprintf(blacklistKey, c.ID), "1", ttl).Err()
}

// IssueTicket returns a single-use ticket that authenticates one WebSocket
// upgrade for email.
func (p *JWTProvider) IssueTicket(ctx context.Context, email string) (string, error) {
	if p.rdb == nil {
		return "", ErrTicketsUnavailable
	}
	ticket := uuid.NewString()
	if err := p.rdb.Set(ctx, TicketKey(ticket), normalizeEmail(email), TicketTTL).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return ticket, nil
}

// RedeemTicket consumes ticket.
func (p *JWTProvider) RedeemTicket(ctx context.Context, ticket string) (Identity, error) {
	if p.rdb == nil {
		return Identity{}, ErrTicketsUnavailable
	}
	email, err := p.rdb.GetDel(ctx, TicketKey(ticket)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && email == "") {
		return Identity{}, ErrInvalidTicket
	}
	if err != nil {
		return Identity{}, fmt.Errorf("redeem ticket: %w", err)
	}
	return Identity{Email: email, ExpiresAt: p.now().Add(TicketTTL)}, nil
}

// TicketKey is the Redis key holding ticket. Only a digest of the ticket is
// stored, so the keyspace cannot be replayed.
func TicketKey(ticket string) string {
	sum := blake2b.Sum256([]byte(ticket))
	return "ws_ticket:" + hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
