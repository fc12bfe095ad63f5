// Package config provides YAML-based configuration loading for warden. One
// file describes one server session; a file may pull in further session
// files through its additional list.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// Default values applied when a key is absent.
const (
	DefaultQueryHost       = "127.0.0.1"
	DefaultQueryPort       = 10011
	DefaultServerID        = 1
	DefaultKVPath          = "mappings.db"
	DefaultInterval        = 30 * time.Second
	DefaultKeepalive       = 30 * time.Second
	DefaultMovedMessage    = "You have been moved into your channel."
	DefaultReceivedMessage = "Received."
	DefaultObserverName    = "observer"
	DefaultAutoChannelName = "auto channel"
)

// Config is one session's configuration.
type Config struct {
	RawQuery      RawQueryConfig     `yaml:"raw_query"`
	Server        ServerConfig       `yaml:"server"`
	Misc          MiscConfig         `yaml:"misc"`
	MutePorter    MutePorterConfig   `yaml:"mute_porter"`
	CustomMessage MessageConfig      `yaml:"custom_message"`
	Permissions   []PermissionConfig `yaml:"permissions"`
	Nickname      NicknameConfig     `yaml:"nickname"`
	Relay         RelayConfig        `yaml:"relay"`
	Additional    []string           `yaml:"additional"`
}

// RawQueryConfig holds the query endpoint and credentials.
type RawQueryConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig describes the virtual server and the monitored channels.
type ServerConfig struct {
	ServerID         int64    `yaml:"server_id"`
	ChannelID        Numbers  `yaml:"channel_id"`
	PrivilegeGroupID int64    `yaml:"privilege_group_id"`
	RedisServer      string   `yaml:"redis_server"`
	KVPath           string   `yaml:"kv_path"`
	IgnoreUser       []string `yaml:"ignore_user"`
	WhitelistIP      []string `yaml:"whitelist_ip"`
	// TrackChannelMember is the DSN of the activity recorder. Empty disables it.
	TrackChannelMember string `yaml:"track_channel_member"`
}

// MiscConfig holds timing knobs.
type MiscConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Keepalive time.Duration `yaml:"keepalive"`
	Systemd   bool          `yaml:"systemd"`
}

// MutePorterConfig moves muted or idle users out of a channel.
type MutePorterConfig struct {
	Enable    bool    `yaml:"enable"`
	Monitor   int64   `yaml:"monitor"`
	Target    int64   `yaml:"target"`
	Whitelist []int64 `yaml:"whitelist"`
}

// Whitelisted reports whether a client database id is exempt.
func (m MutePorterConfig) Whitelisted(dbid int64) bool {
	for _, id := range m.Whitelist {
		if id == dbid {
			return true
		}
	}
	return false
}

// MessageConfig holds the private message templates.
type MessageConfig struct {
	MoveToChannel string `yaml:"move_to_channel"`
	Received      string `yaml:"received"`
}

// NicknameConfig holds the display names of the two query clients.
type NicknameConfig struct {
	Observer    string `yaml:"observer"`
	AutoChannel string `yaml:"auto_channel"`
}

// PermissionConfig grants extra permissions on channels created under the
// listed monitored channels.
type PermissionConfig struct {
	ChannelID Numbers          `yaml:"channel_id"`
	Map       []PermissionPair `yaml:"map"`
}

// PermissionPair is a [permission id, value] entry.
type PermissionPair struct {
	ID    int64
	Value int64
}

// UnmarshalYAML accepts a two-element sequence.
func (p *PermissionPair) UnmarshalYAML(node *yaml.Node) error {
	var pair []int64
	if err := node.Decode(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("line %d: permission entry must be [id, value]", node.Line)
	}
	p.ID, p.Value = pair[0], pair[1]
	return nil
}

// RelayConfig selects where join/leave notices are forwarded.
type RelayConfig struct {
	Platform    string        `yaml:"platform"`
	Channel     string        `yaml:"channel"`
	Discord     DiscordConfig `yaml:"discord"`
	Slack       SlackConfig   `yaml:"slack"`
	SummaryCron string        `yaml:"summary_cron"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// Token returns the bot token of the selected platform.
func (r RelayConfig) Token() string {
	switch r.Platform {
	case "discord":
		return r.Discord.BotToken
	case "slack":
		return r.Slack.BotToken
	}
	return ""
}

// Numbers is a list of ids that may be written as a single scalar.
type Numbers []int64

// UnmarshalYAML accepts either an integer or a sequence of integers.
func (n *Numbers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v int64
		if err := node.Decode(&v); err != nil {
			return err
		}
		*n = Numbers{v}
		return nil
	}
	var vs []int64
	if err := node.Decode(&vs); err != nil {
		return err
	}
	*n = vs
	return nil
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.RawQuery.Server == "" {
		c.RawQuery.Server = DefaultQueryHost
	}
	if c.RawQuery.Port == 0 {
		c.RawQuery.Port = DefaultQueryPort
	}
	if c.Server.ServerID == 0 {
		c.Server.ServerID = DefaultServerID
	}
	if c.Server.KVPath == "" && c.Server.RedisServer == "" {
		c.Server.KVPath = DefaultKVPath
	}
	if c.Misc.Interval == 0 {
		c.Misc.Interval = DefaultInterval
	}
	if c.Misc.Keepalive == 0 {
		c.Misc.Keepalive = DefaultKeepalive
	}
	if c.CustomMessage.MoveToChannel == "" {
		c.CustomMessage.MoveToChannel = DefaultMovedMessage
	}
	if c.CustomMessage.Received == "" {
		c.CustomMessage.Received = DefaultReceivedMessage
	}
	if c.Nickname.Observer == "" {
		c.Nickname.Observer = DefaultObserverName
	}
	if c.Nickname.AutoChannel == "" {
		c.Nickname.AutoChannel = DefaultAutoChannelName
	}
	c.Relay.Platform = strings.ToLower(strings.TrimSpace(c.Relay.Platform))
}

// cronParser matches the five-field expressions accepted for summary_cron.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SummarySchedule parses relay.summary_cron. It returns nil when unset.
func (c *Config) SummarySchedule() (cron.Schedule, error) {
	if c.Relay.SummaryCron == "" {
		return nil, nil
	}
	return cronParser.Parse(c.Relay.SummaryCron)
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.RawQuery.User == "" {
		errs = append(errs, "raw_query.user is required")
	}
	if c.RawQuery.Port < 1 || c.RawQuery.Port > 65535 {
		errs = append(errs, fmt.Sprintf("raw_query.port %d out of range", c.RawQuery.Port))
	}
	if c.Server.ServerID < 0 {
		errs = append(errs, "server.server_id must be positive")
	}
	if len(c.Server.ChannelID) > 0 && c.Server.PrivilegeGroupID <= 0 {
		errs = append(errs, "server.privilege_group_id is required when channel_id is set")
	}
	if c.Misc.Interval < 0 {
		errs = append(errs, "misc.interval must be positive")
	}
	if c.Misc.Keepalive < 0 {
		errs = append(errs, "misc.keepalive must be positive")
	}
	if c.MutePorter.Enable && (c.MutePorter.Monitor == 0 || c.MutePorter.Target == 0) {
		errs = append(errs, "mute_porter.monitor and mute_porter.target are required when enabled")
	}
	for i, p := range c.Permissions {
		if len(p.ChannelID) == 0 {
			errs = append(errs, fmt.Sprintf("permissions[%d].channel_id is required", i))
		}
	}
	switch c.Relay.Platform {
	case "":
	case "discord", "slack":
		if c.Relay.Channel == "" {
			errs = append(errs, "relay.channel is required")
		}
		if c.Relay.Token() == "" {
			errs = append(errs, fmt.Sprintf("relay.%s.bot_token is required", c.Relay.Platform))
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.platform %q is not supported (use discord or slack)", c.Relay.Platform))
	}
	if _, err := c.SummarySchedule(); err != nil {
		errs = append(errs, fmt.Sprintf("relay.summary_cron: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Channels returns the monitored channel ids.
func (c *Config) Channels() []int64 {
	return append([]int64(nil), c.Server.ChannelID...)
}

// Monitored reports whether cid is a monitored channel.
func (c *Config) Monitored(cid int64) bool {
	for _, id := range c.Server.ChannelID {
		if id == cid {
			return true
		}
	}
	return false
}

// ChannelPermissions flattens the permission table by monitored channel id.
// A later entry for the same channel replaces an earlier one.
func (c *Config) ChannelPermissions() map[int64][]PermissionPair {
	m := make(map[int64][]PermissionPair)
	for _, p := range c.Permissions {
		for _, cid := range p.ChannelID {
			m[cid] = p.Map
		}
	}
	return m
}

// Address is the dialable host:port of the query endpoint.
func (c *Config) Address() string {
	return net.JoinHostPort(c.RawQuery.Server, strconv.Itoa(c.RawQuery.Port))
}

// Identity renders host:port(sid), with a loopback host left empty.
func (c *Config) Identity() string {
	host := c.RawQuery.Server
	if isLoopback(host) {
		host = ""
	}
	return fmt.Sprintf("%s:%d(%d)", host, c.RawQuery.Port, c.Server.ServerID)
}

// ID is a short stable identifier derived from Identity, used to tag logs
// and relayed notices.
func (c *Config) ID() string {
	return fmt.Sprintf("%016x", xxh3.HashString(c.Identity()))
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Entry is one loaded configuration file. Err is set when the file could
// not be loaded; other entries are unaffected.
type Entry struct {
	Path   string
	Config *Config
	Err    error
}

// LoadAll loads every path and every file reachable through additional
// lists. Relative additional paths resolve against the listing file's
// directory; each file is loaded at most once.
func LoadAll(paths ...string) []Entry {
	var entries []Entry
	seen := make(map[string]bool)
	var visit func(path string)
	visit = func(path string) {
		key := path
		if abs, err := filepath.Abs(path); err == nil {
			key = abs
		}
		if seen[key] {
			return
		}
		seen[key] = true
		cfg, err := Load(path)
		entries = append(entries, Entry{Path: path, Config: cfg, Err: err})
		if err != nil {
			return
		}
		for _, extra := range cfg.Additional {
			if !filepath.IsAbs(extra) {
				extra = filepath.Join(filepath.Dir(path), extra)
			}
			visit(extra)
		}
	}
	for _, p := range paths {
		visit(p)
	}
	return entries
}

// ApplyNicknames overrides the nicknames of every loaded entry. Empty values
// leave the configured names unchanged.
func ApplyNicknames(entries []Entry, observer, autoChannel string) {
	for _, e := range entries {
		if e.Config == nil {
			continue
		}
		if observer != "" {
			e.Config.Nickname.Observer = observer
		}
		if autoChannel != "" {
			e.Config.Nickname.AutoChannel = autoChannel
		}
	}
}
