package query

// Client is one entry of clientlist.
type Client struct {
	ID         int64
	ChannelID  int64
	DatabaseID int64
	Type       int64
	Nickname   string
}

// IsUser reports whether the client is a voice user rather than a query login.
func (c Client) IsUser() bool { return c.Type == 0 }

func (c *Client) DecodeRow(r Row) error {
	f := fields{row: r}
	c.ID = f.int64("clid")
	c.ChannelID = f.int64("cid")
	c.DatabaseID = f.int64("client_database_id")
	c.Type = f.int64Or("client_type", 0)
	c.Nickname = f.strOr("client_nickname")
	return f.err
}

// WhoAmI identifies the session's own client.
type WhoAmI struct {
	ClientID   int64
	DatabaseID int64
}

func (w *WhoAmI) DecodeRow(r Row) error {
	f := fields{row: r}
	w.ClientID = f.int64("client_id")
	w.DatabaseID = f.int64("client_database_id")
	return f.err
}

// ServerInfo holds the virtual server fields warden needs.
type ServerInfo struct {
	UniqueID string
	Name     string
}

func (s *ServerInfo) DecodeRow(r Row) error {
	f := fields{row: r}
	s.UniqueID = f.str("virtualserver_unique_identifier")
	s.Name = f.strOr("virtualserver_name")
	return f.err
}

// CreatedChannel is the response row of channelcreate.
type CreatedChannel struct {
	ID int64
}

func (c *CreatedChannel) DecodeRow(r Row) error {
	f := fields{row: r}
	c.ID = f.int64("cid")
	return f.err
}

// DatabaseID is the response row of clientgetdbidfromuid.
type DatabaseID struct {
	UniqueID   string
	DatabaseID int64
}

func (d *DatabaseID) DecodeRow(r Row) error {
	f := fields{row: r}
	d.UniqueID = f.strOr("cluid")
	d.DatabaseID = f.int64("cldbid")
	return f.err
}

// MaxIdleMillis is how long a client may stay idle before it counts as muted.
const MaxIdleMillis = 300 * 1000

// ClientInfo carries the presence flags of one client.
type ClientInfo struct {
	InputMuted     bool
	OutputMuted    bool
	InputHardware  bool
	OutputHardware bool
	Away           bool
	IdleMillis     int64
}

func (c *ClientInfo) DecodeRow(r Row) error {
	f := fields{row: r}
	c.InputMuted = f.boolOr("client_input_muted", false)
	c.OutputMuted = f.boolOr("client_output_muted", false)
	c.InputHardware = f.boolOr("client_input_hardware", true)
	c.OutputHardware = f.boolOr("client_output_hardware", true)
	c.Away = f.boolOr("client_away", false)
	c.IdleMillis = f.int64Or("client_idle_time", 0)
	return f.err
}

// Muted reports whether the client is away, muted, without audio hardware,
// or idle for longer than MaxIdleMillis.
func (c ClientInfo) Muted() bool {
	return c.Away ||
		c.InputMuted ||
		c.OutputMuted ||
		!c.InputHardware ||
		!c.OutputHardware ||
		c.IdleMillis > MaxIdleMillis
}

// Permission is one channel permission grant.
type Permission struct {
	ID    int64
	Value int64
}

// DefaultChannelPermission is granted on every created channel.
var DefaultChannelPermission = Permission{ID: 133, Value: 75}
