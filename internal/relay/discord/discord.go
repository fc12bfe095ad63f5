// Package discord implements the relay Adapter for Discord.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/logging"
	"github.com/zulandar/warden/internal/relay"
)

const (
	// maxRetries bounds the waits spent on one rate-limited send.
	maxRetries  = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 2 * time.Minute
	// maxMessageLen is Discord's content limit.
	maxMessageLen = 2000
)

// session is the part of *discordgo.Session the adapter drives.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// Adapter implements relay.Adapter for Discord.
type Adapter struct {
	sess        session
	botToken    string
	log         *zerolog.Logger
	mu          sync.Mutex
	connected   bool
	closed      bool
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string
	Log      *zerolog.Logger
	// Session replaces the gateway client, mainly in tests.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		log:         logging.OrNop(opts.Log),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect opens the Discord Gateway session.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds
		a.sess = dg
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.log.Info().Str("user", r.User.Username).Str("id", r.User.ID).Msg("discord connected")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Warn().Msg("discord gateway disconnected, reconnecting")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Send posts msg.Text to msg.Channel.
func (a *Adapter) Send(ctx context.Context, msg relay.Message) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	if msg.Channel == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	text := msg.Text
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}

	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSend(msg.Channel, text)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close shuts down the gateway session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	wasConnected := a.connected
	a.connected = false
	if a.sess != nil && wasConnected {
		return a.sess.Close()
	}
	return nil
}

// retryOnRateLimit runs fn until it succeeds, fails with something other
// than a rate limit, or maxRetries waits have been spent.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		wait, limited := a.rateLimitWait(err, attempt)
		if !limited || attempt == maxRetries {
			return err
		}
		a.log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("discord rate limited")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// rateLimitWait reports whether err is a rate limit and how long to back off.
// A server supplied Retry-After wins over the exponential schedule.
func (a *Adapter) rateLimitWait(err error, attempt int) (time.Duration, bool) {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) && rle.RateLimit != nil && rle.TooManyRequests != nil && rle.RetryAfter > 0 {
		return min(rle.RetryAfter, a.maxBackoff), true
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil ||
		restErr.Response.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	return min(a.baseBackoff<<attempt, a.maxBackoff), true
}
