package hub

import (
	"encoding/json"
	"errors"
)

// Close codes sent to clients. The 44xx range mirrors the HTTP status the
// refusal corresponds to.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseUnauthenticated = 4401
	CloseForbidden       = 4403
	CloseSlowConsumer    = 4429
)

// Close reasons paired with the codes above.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonForbidden       = "forbidden"
	ReasonSlowConsumer    = "slow consumer"
	ReasonShutdown        = "server shutdown"
)

// Error frame codes.
const (
	ErrorCodePersistence = "persistence_failure"
	ErrorCodeForbidden   = "forbidden"
)

// ErrMalformedFrame is returned for inbound frames that are not a JSON
// object with a string "message" field. The frame is dropped and the
// connection stays open.
var ErrMalformedFrame = errors.New("malformed frame")

type inboundFrame struct {
	Message *string `json:"message"`
}

// DecodeInbound extracts the message text from a client frame.
func DecodeInbound(frame []byte) (string, error) {
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		return "", errors.Join(ErrMalformedFrame, err)
	}
	if in.Message == nil {
		return "", ErrMalformedFrame
	}
	return *in.Message, nil
}

type errorFrame struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// EncodeError renders an error frame sent to a single connection.
func EncodeError(code, detail string) []byte {
	b, _ := json.Marshal(errorFrame{Type: "error", Code: code, Detail: detail})
	return b
}
