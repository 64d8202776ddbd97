// Package rfb understands just enough of the RFB client-to-server protocol to
// classify and inspect the input frames the relay filters: key events,
// pointer events, and everything else. Frames are never rewritten; callers
// forward or drop them whole.
package rfb

import "encoding/binary"

// Client-to-server message types (first byte of each frame).
const (
	TypeKeyEvent     byte = 4
	TypePointerEvent byte = 5
)

// X11 keysyms carried in key events. Letter keysyms equal their ASCII codes;
// noVNC sends the lowercase form unless Shift is held.
const (
	KeysymControlL uint32 = 0xffe3
	KeysymControlR uint32 = 0xffe4
	KeysymMetaL    uint32 = 0xffe7
	KeysymMetaR    uint32 = 0xffe8
	KeysymAltL     uint32 = 0xffe9
	KeysymAltR     uint32 = 0xffea
	KeysymSuperL   uint32 = 0xffeb
	KeysymSuperR   uint32 = 0xffec

	KeysymUpperC uint32 = 0x0043
	KeysymUpperO uint32 = 0x004f
	KeysymUpperV uint32 = 0x0056
	KeysymLowerC uint32 = 0x0063
	KeysymLowerO uint32 = 0x006f
	KeysymLowerV uint32 = 0x0076
)

// Wire sizes: KeyEvent = type(1) + down(1) + pad(2) + keysym(4),
// PointerEvent = type(1) + button-mask(1) + x(2) + y(2).
const (
	keyEventLen     = 8
	pointerEventLen = 6
)

// rightButtonMask is bit 2 of the pointer button mask (bit 0 = left,
// bit 1 = middle, bit 2 = right).
const rightButtonMask byte = 0x04

// MessageType returns the frame's type discriminator, or 0xff for an empty
// frame (which no caller should forward anyway).
func MessageType(frame []byte) byte {
	if len(frame) == 0 {
		return 0xff
	}
	return frame[0]
}

// IsInput reports whether the frame is a keyboard or mouse frame, the only
// kinds the input policy gates.
func IsInput(frame []byte) bool {
	t := MessageType(frame)
	return t == TypeKeyEvent || t == TypePointerEvent
}

// KeyEvent is a decoded client key event.
type KeyEvent struct {
	Down   bool
	Keysym uint32
}

// ParseKeyEvent decodes a key event frame. ok is false when the frame is not
// a well-formed key event; the caller should still treat the frame as
// keyboard for gating purposes if its first byte says so.
func ParseKeyEvent(frame []byte) (ev KeyEvent, ok bool) {
	if len(frame) < keyEventLen || frame[0] != TypeKeyEvent {
		return KeyEvent{}, false
	}
	return KeyEvent{
		Down:   frame[1] != 0,
		Keysym: binary.BigEndian.Uint32(frame[4:8]),
	}, true
}

// IsRightButton reports whether a pointer frame has the right mouse button
// engaged. Dropping every such frame means the press never reaches the
// server, so a remote context menu can never open; the eventual release
// frame carries a cleared mask and passes through as a no-op.
func IsRightButton(frame []byte) bool {
	return len(frame) >= pointerEventLen &&
		frame[0] == TypePointerEvent &&
		frame[1]&rightButtonMask != 0
}

// isLetter reports whether the keysym is one of the given letter keysyms.
func isLetter(keysym uint32, letters ...uint32) bool {
	for _, l := range letters {
		if keysym == l {
			return true
		}
	}
	return false
}
