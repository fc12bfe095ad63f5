package query

// Notification line prefixes.
const (
	NotifyClientEnterView = "notifycliententerview"
	NotifyClientLeftView  = "notifyclientleftview"
	NotifyClientMoved     = "notifyclientmoved"
	NotifyTextMessage     = "notifytextmessage"
	BanListPrefix         = "banid"
)

// Leave reasons carried by notifyclientleftview.
const (
	LeaveTimeout      int64 = 3
	LeaveKicked       int64 = 5
	LeaveBanned       int64 = 6
	LeaveDisconnected int64 = 8
)

// ServerQueryUID is the unique identifier reported for query logins.
const ServerQueryUID = "ServerQuery"

// ClientEntered is a notifycliententerview event.
type ClientEntered struct {
	ClientID  int64
	ChannelID int64
	Nickname  string
	UniqueID  string
	Country   string
	// DatabaseID is zero when the server omits it.
	DatabaseID int64
}

func (e *ClientEntered) DecodeRow(r Row) error {
	f := fields{row: r}
	e.ClientID = f.int64("clid")
	e.ChannelID = f.int64("ctid")
	e.Nickname = f.str("client_nickname")
	e.UniqueID = f.str("client_unique_identifier")
	e.Country = f.strOr("client_country")
	e.DatabaseID = f.int64Or("client_database_id", 0)
	return f.err
}

// ClientLeft is a notifyclientleftview event.
type ClientLeft struct {
	ClientID    int64
	ReasonID    int64
	Reason      string
	InvokerName string
	InvokerUID  string
}

func (e *ClientLeft) DecodeRow(r Row) error {
	f := fields{row: r}
	e.ClientID = f.int64("clid")
	e.ReasonID = f.int64Or("reasonid", LeaveDisconnected)
	e.Reason = f.strOr("reasonmsg")
	e.InvokerName = f.strOr("invokername")
	e.InvokerUID = f.strOr("invokeruid")
	return f.err
}

// ClientMoved is a notifyclientmoved event.
type ClientMoved struct {
	ClientID    int64
	ChannelID   int64
	ReasonID    int64
	InvokerID   int64
	InvokerName string
	InvokerUID  string
}

func (e *ClientMoved) DecodeRow(r Row) error {
	f := fields{row: r}
	e.ClientID = f.int64("clid")
	e.ChannelID = f.int64("ctid")
	e.ReasonID = f.int64Or("reasonid", 0)
	e.InvokerID = f.int64Or("invokerid", 0)
	e.InvokerName = f.strOr("invokername")
	e.InvokerUID = f.strOr("invokeruid")
	return f.err
}

// TextMessage is a notifytextmessage event.
type TextMessage struct {
	TargetMode  int64
	Message     string
	InvokerID   int64
	InvokerName string
	InvokerUID  string
}

func (e *TextMessage) DecodeRow(r Row) error {
	f := fields{row: r}
	e.TargetMode = f.int64Or("targetmode", 0)
	e.Message = f.str("msg")
	e.InvokerID = f.int64Or("invokerid", 0)
	e.InvokerName = f.strOr("invokername")
	e.InvokerUID = f.strOr("invokeruid")
	return f.err
}

// BanEntry is one row of banlist.
type BanEntry struct {
	ID          int64
	IP          string
	Reason      string
	InvokerName string
	InvokerUID  string
}

func (b *BanEntry) DecodeRow(r Row) error {
	f := fields{row: r}
	b.ID = f.int64("banid")
	b.IP = f.strOr("ip")
	b.Reason = f.strOr("reason")
	b.InvokerName = f.strOr("invokername")
	b.InvokerUID = f.strOr("invokeruid")
	return f.err
}
