package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrorCodeTokenExpired is the server error code for an expired session token.
const ErrorCodeTokenExpired = 40

// HealthCheckType is the frame type of heartbeats in both directions.
const HealthCheckType = "health.check"

// FrameKind is the classification of an inbound frame.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameAck
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameAck:
		return "ack"
	case FrameError:
		return "error"
	default:
		return "event"
	}
}

// Frame is a classified inbound frame.
type Frame struct {
	Kind         FrameKind
	Type         string
	ConnectionID string
	Code         int
	Message      string
	Raw          json.RawMessage
}

type wireFrame struct {
	Type              string          `json:"type"`
	ConnectionID      string          `json:"connection_id"`
	ConnectionIDCamel string          `json:"connectionId"`
	Error             json.RawMessage `json:"error"`
	Code              *int            `json:"code"`
	Message           string          `json:"message"`
	Payload           json.RawMessage `json:"payload"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wirePayload struct {
	ConnectionID string `json:"connectionId"`
	Code         int    `json:"code"`
	Message      string `json:"message"`
}

// ClassifyFrame parses a raw frame. While awaitingAck is set, the first frame
// that is not an error frame is the ack, whatever its type.
func ClassifyFrame(raw []byte, awaitingAck bool) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, ErrMalformedFrame
	}

	var w wireFrame
	if err := sonic.ConfigStd.Unmarshal(trimmed, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	f := Frame{Type: w.Type, Raw: json.RawMessage(trimmed)}

	if code, msg, ok := errorFields(&w); ok {
		f.Kind = FrameError
		f.Code = code
		f.Message = msg
		return f, nil
	}

	if awaitingAck {
		f.Kind = FrameAck
		f.ConnectionID = connectionID(&w)
		return f, nil
	}

	f.Kind = FrameEvent
	return f, nil
}

func errorFields(w *wireFrame) (int, string, bool) {
	if e := bytes.TrimSpace(w.Error); len(e) > 0 && !bytes.Equal(e, []byte("null")) {
		var we wireError
		if e[0] == '{' && sonic.ConfigStd.Unmarshal(e, &we) == nil {
			return we.Code, we.Message, true
		}
		var msg string
		if sonic.ConfigStd.Unmarshal(e, &msg) == nil {
			return 0, msg, true
		}
		return 0, string(e), true
	}

	if w.Type != "error" {
		return 0, "", false
	}
	code, msg := 0, w.Message
	if w.Code != nil {
		code = *w.Code
	}
	var p wirePayload
	if len(w.Payload) > 0 && sonic.ConfigStd.Unmarshal(w.Payload, &p) == nil {
		if code == 0 {
			code = p.Code
		}
		if msg == "" {
			msg = p.Message
		}
	}
	return code, msg, true
}

func connectionID(w *wireFrame) string {
	if w.ConnectionID != "" {
		return w.ConnectionID
	}
	if w.ConnectionIDCamel != "" {
		return w.ConnectionIDCamel
	}
	var p wirePayload
	if len(w.Payload) > 0 && sonic.ConfigStd.Unmarshal(w.Payload, &p) == nil {
		return p.ConnectionID
	}
	return ""
}
