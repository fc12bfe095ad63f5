package observer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/warden/internal/query"
)

const timeLayout = "2006-01-02 15:04:05"

// flag renders a two-letter country code as its regional indicator emoji,
// or returns the code unchanged.
func flag(country string) string {
	if len(country) != 2 {
		return country
	}
	up := strings.ToUpper(country)
	var b strings.Builder
	for i := 0; i < 2; i++ {
		c := up[i]
		if c < 'A' || c > 'Z' {
			return country
		}
		b.WriteRune(rune(0x1F1E6 + int(c-'A')))
	}
	return b.String()
}

func enterNotice(at time.Time, e query.ClientEntered) string {
	return fmt.Sprintf("[%s] %s(%s:%d)[%s] joined",
		at.Format(timeLayout), e.Nickname, e.UniqueID, e.ClientID, flag(e.Country))
}

func leaveNotice(at time.Time, nickname string, e query.ClientLeft) string {
	ts := at.Format(timeLayout)
	switch e.ReasonID {
	case query.LeaveDisconnected:
		if e.Reason == "" {
			return fmt.Sprintf("[%s] %s(%d) left", ts, nickname, e.ClientID)
		}
		return fmt.Sprintf("[%s] %s(%d) left (%s)", ts, nickname, e.ClientID, e.Reason)
	case query.LeaveTimeout:
		return fmt.Sprintf("[%s] %s(%d) connection lost #timeout", ts, nickname, e.ClientID)
	case query.LeaveKicked, query.LeaveBanned:
		op := "kicked"
		if e.ReasonID == query.LeaveBanned {
			op = "banned"
		}
		reason := " with no reason"
		if e.Reason != "" {
			reason = ": " + e.Reason
		}
		return fmt.Sprintf("[%s] %s(%d) was #%s by %s(%s)%s",
			ts, nickname, e.ClientID, op, e.InvokerName, e.InvokerUID, reason)
	}
	return fmt.Sprintf("[%s] %s(%d) left (reason %d)", ts, nickname, e.ClientID, e.ReasonID)
}

func summaryNotice(at time.Time, nicknames []string) string {
	ts := at.Format(timeLayout)
	if len(nicknames) == 0 {
		return fmt.Sprintf("[%s] nobody online", ts)
	}
	sorted := append([]string(nil), nicknames...)
	sort.Strings(sorted)
	return fmt.Sprintf("[%s] %d online: %s", ts, len(sorted), strings.Join(sorted, ", "))
}
