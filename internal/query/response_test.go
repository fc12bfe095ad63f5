package query

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeRows_TwoRowsInOrder(t *testing.T) {
	raw := "clid=1 cid=10 client_database_id=7 client_nickname=Alice client_type=0|" +
		"clid=2 cid=20 client_database_id=8 client_nickname=Bob\\sB client_type=1\n\r" +
		"error id=0 msg=ok\n\r"

	clients, err := DecodeRows[Client](raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("got %d clients, want 2", len(clients))
	}
	if clients[0].ID != 1 || clients[0].Nickname != "Alice" || !clients[0].IsUser() {
		t.Errorf("clients[0] = %+v", clients[0])
	}
	if clients[1].ID != 2 || clients[1].Nickname != "Bob B" || clients[1].IsUser() {
		t.Errorf("clients[1] = %+v", clients[1])
	}
}

func TestDecodeResponse_ErrorOnly(t *testing.T) {
	_, err := DecodeResponse("error id=771 msg=channel\\sname\\sis\\salready\\sin\\suse\n\r")
	if err == nil {
		t.Fatal("expected error")
	}
	var qe *Error
	if !errors.As(err, &qe) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if qe.Code != CodeChannelNameInUse {
		t.Errorf("Code = %d, want %d", qe.Code, CodeChannelNameInUse)
	}
	if qe.Message != "channel name is already in use" {
		t.Errorf("Message = %q", qe.Message)
	}
	if !IsCode(err, 771) {
		t.Error("IsCode(err, 771) = false")
	}
}

func TestDecodeResponse_NoStatus(t *testing.T) {
	_, err := DecodeResponse("clid=1 cid=2\n\r")
	if !IsCode(err, CodeEmptyResponse) {
		t.Fatalf("err = %v, want empty response", err)
	}
	_, err = DecodeResponse("")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestDecodeResponse_SkipsNotifications(t *testing.T) {
	raw := "notifyclientleftview clid=5\n\rclient_id=3 client_database_id=9\n\rerror id=0 msg=ok\n\r"
	resp, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Rows) != 1 || resp.Rows[0]["client_id"] != "3" {
		t.Errorf("rows = %v", resp.Rows)
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("error id=0 msg=ok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.ID != 0 || st.Message != "ok" || st.Err() != nil {
		t.Errorf("status = %+v", st)
	}

	if _, err := ParseStatus("clid=1"); err == nil {
		t.Error("expected error for non-status line")
	}
	if _, err := ParseStatus("error msg=ok"); !IsCode(err, CodeParse) {
		t.Errorf("missing id: err = %v, want parse error", err)
	}
}

func TestDecodeLine_Events(t *testing.T) {
	enter, err := DecodeLine[ClientEntered]("notifycliententerview cfid=0 ctid=5 reasonid=0 clid=12 " +
		"client_unique_identifier=abc= client_nickname=Carol\\sC client_country=DE client_database_id=44")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if enter.ClientID != 12 || enter.ChannelID != 5 || enter.Nickname != "Carol C" || enter.Country != "DE" || enter.DatabaseID != 44 {
		t.Errorf("enter = %+v", enter)
	}

	left, err := DecodeLine[ClientLeft]("notifyclientleftview cfid=1 ctid=0 clid=12")
	if err != nil {
		t.Fatalf("left: %v", err)
	}
	if left.ReasonID != LeaveDisconnected {
		t.Errorf("default ReasonID = %d, want %d", left.ReasonID, LeaveDisconnected)
	}

	msg, err := DecodeLine[TextMessage]("notifytextmessage targetmode=1 msg=!reset invokerid=3 invokername=Dan invokeruid=U1=")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if msg.Message != "!reset" || msg.InvokerUID != "U1=" || msg.InvokerID != 3 {
		t.Errorf("text = %+v", msg)
	}

	_, err = DecodeLine[ClientMoved]("notifyclientmoved ctid=abc clid=1")
	if !IsCode(err, CodeParse) {
		t.Errorf("bad ctid: err = %v, want parse error", err)
	}
	if err != nil && !strings.Contains(err.Error(), "ctid") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestBanEntries(t *testing.T) {
	line := "banid=5 ip name uid=953jm= lastnickname=x created=1 invokername=AdminUser invokeruid=Q= reason|" +
		"banid=6 ip=1.1.1.1 name uid reason=Spam"
	rows := ParseRows(line)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	var entries []BanEntry
	for _, r := range rows {
		e, err := Decode[BanEntry](r)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		entries = append(entries, e)
	}
	if entries[0].ID != 5 || entries[0].IP != "" || entries[0].InvokerName != "AdminUser" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].ID != 6 || entries[1].IP != "1.1.1.1" || entries[1].Reason != "Spam" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestClientInfo_Muted(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"active", "client_input_muted=0 client_output_muted=0 client_input_hardware=1 client_output_hardware=1 client_away=0 client_idle_time=1000", false},
		{"away", "client_away=1 client_input_hardware=1 client_output_hardware=1", true},
		{"input muted", "client_input_muted=1", true},
		{"no hardware", "client_input_hardware=0", true},
		{"idle", "client_idle_time=300001", true},
		{"idle boundary", "client_idle_time=300000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := DecodeLine[ClientInfo](tt.line)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := info.Muted(); got != tt.want {
				t.Errorf("Muted() = %v, want %v", got, tt.want)
			}
		})
	}
}
