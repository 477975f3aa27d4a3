package models

import "time"

// Event is an immutable, signed, content-addressed protocol record. ID is the
// sha256 of the canonical serialization and Sig is a schnorr signature over
// ID; any field change invalidates both.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first tag whose leading element equals name.
func (e Event) Tag(name string) ([]string, bool) {
	for _, tag := range e.Tags {
		if len(tag) > 0 && tag[0] == name {
			return tag, true
		}
	}
	return nil, false
}

// TagValue returns element index of the first tag named name, or "".
func (e Event) TagValue(name string, index int) string {
	tag, ok := e.Tag(name)
	if !ok || index >= len(tag) {
		return ""
	}
	return tag[index]
}

// PaymentRequest is a lightning payment demand embedded in a result event's
// amount tag: ["amount", "<millisats>", "<bolt11 invoice>"].
type PaymentRequest struct {
	AmountMsat int64  `json:"amount_msat"`
	Invoice    string `json:"invoice"`
}

type PublishOutcome struct {
	Relay    string `json:"relay"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type RelayStatus struct {
	URL                 string `json:"url"`
	State               string `json:"state"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
}

type NetworkStatus struct {
	Relays        []RelayStatus `json:"relays"`
	ConnectedAny  bool          `json:"connected_any"`
	LastChangedAt time.Time     `json:"last_changed_at"`
}

type ResultSnapshot struct {
	Event    Event           `json:"event"`
	Payment  *PaymentRequest `json:"payment,omitempty"`
	State    string          `json:"state"`
	Preimage string          `json:"preimage,omitempty"`
}

type JobSnapshot struct {
	ID          string           `json:"id"`
	State       string           `json:"state"`
	JobType     string           `json:"job_type"`
	Content     string           `json:"content"`
	BidMsat     int64            `json:"bid_msat"`
	EventID     string           `json:"event_id,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at,omitempty"`
	Outcomes    []PublishOutcome `json:"outcomes,omitempty"`
	Results     []ResultSnapshot `json:"results,omitempty"`
}
