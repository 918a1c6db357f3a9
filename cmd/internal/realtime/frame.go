package realtime

import (
	"time"

	"otpvault/cmd/internal/vault"
)

// Frame types sent by the server.
const (
	FrameTypeCodes = "codes"
	FrameTypeError = "error"
)

// Inbound message types.
const (
	MsgRefresh = "refresh"
)

// Frame is one server-to-client message. A codes frame for an empty vault
// carries no items.
type Frame struct {
	Type      string      `json:"type"`
	At        time.Time   `json:"at"`
	RefreshIn int         `json:"refresh_in,omitempty"`
	Items     []CodeItem  `json:"items,omitempty"`
	Error     *FrameError `json:"error,omitempty"`
}

// CodeItem is the live view of one vault entry.
type CodeItem struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Issuer    string `json:"issuer,omitempty"`
	Shared    bool   `json:"shared"`
	Code      string `json:"code"`
	Remaining int    `json:"remaining"`
	Period    int    `json:"period"`
	Digits    int    `json:"digits"`
}

// FrameError describes a rejected client message or a failed push.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type inbound struct {
	Type string `json:"type"`
}

func codesFrame(now time.Time, entries []vault.Entry, wait time.Duration) Frame {
	f := Frame{Type: FrameTypeCodes, At: now, RefreshIn: int((wait + time.Second - 1) / time.Second)}
	if len(entries) == 0 {
		return f
	}
	f.Items = make([]CodeItem, 0, len(entries))
	for _, e := range entries {
		f.Items = append(f.Items, CodeItem{
			ID:        e.ID,
			Account:   e.Account,
			Issuer:    e.Issuer,
			Shared:    e.Shared,
			Code:      e.Code,
			Remaining: e.Remaining,
			Period:    e.Period,
			Digits:    e.Digits,
		})
	}
	return f
}

func errorFrame(now time.Time, code, msg string) Frame {
	return Frame{Type: FrameTypeError, At: now, Error: &FrameError{Code: code, Message: msg}}
}

// untilNextBoundary returns the time from now to the earliest period
// boundary among the readable entries.
func untilNextBoundary(now time.Time, entries []vault.Entry) time.Duration {
	best := time.Duration(0)
	for _, e := range entries {
		if !e.Readable() || e.Period <= 0 {
			continue
		}
		if d := boundaryAfter(now, time.Duration(e.Period)*time.Second); best == 0 || d < best {
			best = d
		}
	}
	if best == 0 {
		best = boundaryAfter(now, defaultPeriod)
	}
	return best
}

func boundaryAfter(now time.Time, period time.Duration) time.Duration {
	p := int64(period)
	return time.Duration(p - now.UnixNano()%p)
}
