package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/autochannel"
	"github.com/zulandar/warden/internal/config"
	"github.com/zulandar/warden/internal/kv"
	"github.com/zulandar/warden/internal/observer"
	"github.com/zulandar/warden/internal/query"
	"github.com/zulandar/warden/internal/relay"
	"github.com/zulandar/warden/internal/relay/discord"
	"github.com/zulandar/warden/internal/relay/slack"
)

// Conn is a logged-in query connection usable by either engine.
type Conn interface {
	observer.Conn
	autochannel.Client
}

// DialFunc opens a logged-in connection with the server selected.
type DialFunc func(ctx context.Context, cfg *config.Config) (Conn, error)

// DialQuery returns a DialFunc that connects over TCP, logs in and selects
// the configured virtual server.
func DialQuery(log *zerolog.Logger) DialFunc {
	return func(ctx context.Context, cfg *config.Config) (Conn, error) {
		c, err := query.Dial(ctx, cfg.Address(), query.WithLogger(log))
		if err != nil {
			return nil, err
		}
		if err := c.Login(ctx, cfg.RawQuery.User, cfg.RawQuery.Password); err != nil {
			c.Close()
			return nil, fmt.Errorf("login failed: %w", err)
		}
		if err := c.SelectServer(ctx, cfg.Server.ServerID); err != nil {
			c.Close()
			return nil, fmt.Errorf("select server %d failed: %w", cfg.Server.ServerID, err)
		}
		return c, nil
	}
}

// StoreOptions maps a config to its mapping store location.
func StoreOptions(cfg *config.Config) kv.Options {
	return kv.Options{RedisURL: cfg.Server.RedisServer, TableDSN: cfg.Server.KVPath}
}

// RelayTarget maps a config to its relay destination.
func RelayTarget(cfg *config.Config) relay.Target {
	return relay.Target{
		Platform: cfg.Relay.Platform,
		Token:    cfg.Relay.Token(),
		Channel:  cfg.Relay.Channel,
	}
}

// RelayDialer builds the platform adapters.
func RelayDialer(log *zerolog.Logger) relay.Dialer {
	return func(platform, token string) (relay.Adapter, error) {
		switch strings.ToLower(platform) {
		case "discord":
			return discord.New(discord.AdapterOpts{BotToken: token, Log: log})
		case "slack":
			return slack.New(slack.AdapterOpts{BotToken: token, Log: log})
		}
		return nil, fmt.Errorf("unsupported relay platform %q", platform)
	}
}
