// Package protocol defines the control-plane messages exchanged between the
// relay service and the frontend over the control websocket. The pixel stream
// on the companion relay socket is raw remote-desktop bytes and is not
// described here.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message kinds. Inbound means frontend → relay, outbound means
// relay → frontend.
const (
	// KindTakeControl hands live input to the human user (inbound).
	KindTakeControl = "take-control"
	// KindCedeControl returns live input to the agent (inbound).
	KindCedeControl = "cede-control"
	// KindAskForClipboardResponse carries the frontend's OS clipboard text in
	// answer to an earlier ask-for-clipboard (inbound).
	KindAskForClipboardResponse = "ask-for-clipboard-response"

	// KindAskForClipboard requests the frontend's OS clipboard so a paste
	// chord can complete (outbound).
	KindAskForClipboard = "ask-for-clipboard"
	// KindCopiedText delivers text copied inside the remote browser to the
	// frontend's OS clipboard (outbound).
	KindCopiedText = "copied-text"
)

// ControlMessage is the wire shape for every control-plane message. Kind is
// required; Text is present only for the clipboard-bearing kinds.
type ControlMessage struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// AskForClipboard builds the outbound clipboard request.
func AskForClipboard() ControlMessage {
	return ControlMessage{Kind: KindAskForClipboard}
}

// CopiedText builds the outbound message carrying text copied in the remote
// browser.
func CopiedText(text string) ControlMessage {
	return ControlMessage{Kind: KindCopiedText, Text: text}
}

// DecodeControl parses a raw control frame. A missing kind is an error; an
// unrecognized kind is not, so callers decide how to treat kinds they do
// not handle.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	if msg.Kind == "" {
		return ControlMessage{}, fmt.Errorf("control message missing kind")
	}
	return msg, nil
}
