package distq

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Mode selects how a task's outcome travels back to the caller.
type Mode string

const (
	// ModeNone is fire-and-forget: the outcome is logged and discarded.
	ModeNone Mode = "none"

	// ModeReturn delivers exactly one result per task.
	ModeReturn Mode = "return"

	// ModeStream delivers a sequence of chunks; the final chunk is tagged.
	ModeStream Mode = "stream"
)

// Valid reports whether the mode is one of the known delivery modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeReturn, ModeStream:
		return true
	}
	return false
}

// Envelope is the wire format for both queued tasks and their results.
// BID correlates a task with the waiter that owns it, RID identifies the
// individual request, and SID identifies the stream a chunk belongs to.
// Index carries the fan-out position out-of-band so result placement stays
// deterministic across process boundaries.
type Envelope struct {
	BID   string          `json:"bid"`
	RID   string          `json:"rid,omitempty"`
	SID   string          `json:"sid,omitempty"`
	Queue string          `json:"queue"`
	Mode  Mode            `json:"mode"`
	Index int             `json:"index"`
	Last  bool            `json:"last,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Err   string          `json:"err,omitempty"`
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// Redis key layout. Queue lists and wake-up channels are per queue; result
// channels are fixed so a single collector subscription serves every queue.
const (
	keyPrefix = "pipeq"

	// ChannelReturn carries result-key notifications for return-mode tasks.
	ChannelReturn = keyPrefix + ":return"

	// ChannelStream carries result-key notifications for stream chunks.
	ChannelStream = keyPrefix + ":stream"
)

func queueKey(name string) string {
	return keyPrefix + ":q:" + name
}

func wakeChannel(name string) string {
	return keyPrefix + ":wake:" + name
}

func resultKey(cid string, index int) string {
	return keyPrefix + ":r:" + cid + ":" + strconv.Itoa(index)
}

// parseResultKey extracts the correlation id from a result key name.
func parseResultKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix+":r:")
	if !ok {
		return "", false
	}
	cid, _, ok := strings.Cut(rest, ":")
	if !ok || cid == "" {
		return "", false
	}
	return cid, true
}
