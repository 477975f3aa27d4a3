package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Kodylow/Nostrit/pkg/models"
)

// Relay wire labels per the publish/subscribe protocol.
const (
	labelEvent  = "EVENT"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelOK     = "OK"
	labelEOSE   = "EOSE"
	labelNotice = "NOTICE"
	labelClosed = "CLOSED"
)

var ErrMalformedFrame = errors.New("malformed relay frame")

// frame is a decoded inbound relay message. Only the fields for the matching
// label are populated.
type frame struct {
	Label          string
	SubscriptionID string
	Event          models.Event
	EventID        string
	Accepted       bool
	Message        string
}

// parseFrame decodes one inbound JSON array into a frame. Unknown labels are
// returned as-is so the caller can count and skip them.
func parseFrame(data []byte) (frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 1 {
		return frame{}, fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return frame{}, fmt.Errorf("%w: non-string label", ErrMalformedFrame)
	}
	f := frame{Label: label}

	switch label {
	case labelEvent:
		if len(parts) < 3 {
			return frame{}, fmt.Errorf("%w: short EVENT", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[1], &f.SubscriptionID); err != nil {
			return frame{}, fmt.Errorf("%w: EVENT subscription id", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[2], &f.Event); err != nil {
			return frame{}, fmt.Errorf("%w: EVENT payload", ErrMalformedFrame)
		}
	case labelOK:
		if len(parts) < 3 {
			return frame{}, fmt.Errorf("%w: short OK", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[1], &f.EventID); err != nil {
			return frame{}, fmt.Errorf("%w: OK event id", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[2], &f.Accepted); err != nil {
			return frame{}, fmt.Errorf("%w: OK accepted flag", ErrMalformedFrame)
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &f.Message)
		}
	case labelEOSE, labelClosed:
		if len(parts) < 2 {
			return frame{}, fmt.Errorf("%w: short %s", ErrMalformedFrame, label)
		}
		if err := json.Unmarshal(parts[1], &f.SubscriptionID); err != nil {
			return frame{}, fmt.Errorf("%w: %s subscription id", ErrMalformedFrame, label)
		}
		if label == labelClosed && len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &f.Message)
		}
	case labelNotice:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &f.Message)
		}
	}
	return f, nil
}

func eventMessage(ev models.Event) []any {
	return []any{labelEvent, ev}
}

func reqMessage(subID string, filters []models.Filter) []any {
	msg := []any{labelReq, subID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return msg
}

func closeMessage(subID string) []any {
	return []any{labelClose, subID}
}
