package rpc

import (
	"time"

	"github.com/jonathanwilner/imsg-rpc/internal/db"
)

// filter accepts or rejects messages against participant and time-window
// constraints. The zero value accepts everything.
type filter struct {
	participants map[string]struct{}
	start        *time.Time
	end          *time.Time
}

// newFilter builds a filter from request parameters. Timestamps are ISO-8601;
// an unparseable one is an invalid-params error so the filter itself is total
// once constructed.
func newFilter(participants []string, start, end string) (*filter, error) {
	f := &filter{}
	if len(participants) > 0 {
		f.participants = make(map[string]struct{}, len(participants))
		for _, p := range participants {
			f.participants[p] = struct{}{}
		}
	}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, invalidParams("invalid start timestamp %q", start)
		}
		f.start = &t
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, invalidParams("invalid end timestamp %q", end)
		}
		f.end = &t
	}
	return f, nil
}

// match reports whether a message passes the filter. Time bounds are
// inclusive.
func (f *filter) match(m db.Message) bool {
	if f.participants != nil {
		if _, ok := f.participants[m.Sender]; !ok {
			return false
		}
	}
	if f.start != nil && m.Date.Before(*f.start) {
		return false
	}
	if f.end != nil && m.Date.After(*f.end) {
		return false
	}
	return true
}
