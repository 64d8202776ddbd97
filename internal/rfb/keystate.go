package rfb

// KeyState tracks which modifier keys are currently held, derived purely
// from the key-event frames seen on one relay connection. State persists for
// the connection's lifetime; there is no reset. Only Ctrl, Alt and Cmd are
// tracked. Cmd covers both the Meta and Super keysym pairs, which is what
// macOS clients send for the command key.
type KeyState struct {
	ctrl bool
	alt  bool
	cmd  bool
}

// Observe folds one key event into the state. Non-modifier keysyms leave the
// state untouched.
func (k *KeyState) Observe(ev KeyEvent) {
	switch ev.Keysym {
	case KeysymControlL, KeysymControlR:
		k.ctrl = ev.Down
	case KeysymAltL, KeysymAltR:
		k.alt = ev.Down
	case KeysymMetaL, KeysymMetaR, KeysymSuperL, KeysymSuperR:
		k.cmd = ev.Down
	}
}

// CtrlDown reports whether a Control key is held.
func (k *KeyState) CtrlDown() bool { return k.ctrl }

// AltDown reports whether an Alt/Option key is held.
func (k *KeyState) AltDown() bool { return k.alt }

// CmdDown reports whether a Cmd (Meta/Super) key is held.
func (k *KeyState) CmdDown() bool { return k.cmd }

// ChordModifierDown reports whether either chord modifier (Ctrl or Cmd) is
// held, the precondition for the copy and paste chords.
func (k *KeyState) ChordModifierDown() bool { return k.ctrl || k.cmd }

// IsCopyChord reports whether the event completes a copy chord: C pressed
// while Ctrl or Cmd is held.
func (k *KeyState) IsCopyChord(ev KeyEvent) bool {
	return ev.Down && k.ChordModifierDown() && isLetter(ev.Keysym, KeysymLowerC, KeysymUpperC)
}

// IsPasteChord reports whether the event completes a paste chord: V pressed
// while Ctrl or Cmd is held.
func (k *KeyState) IsPasteChord(ev KeyEvent) bool {
	return ev.Down && k.ChordModifierDown() && isLetter(ev.Keysym, KeysymLowerV, KeysymUpperV)
}

// IsBlockedChord reports whether the event completes Ctrl+O, which is
// blocked outright to keep the remote browser's open-file dialog closed.
func (k *KeyState) IsBlockedChord(ev KeyEvent) bool {
	return ev.Down && k.ctrl && isLetter(ev.Keysym, KeysymLowerO, KeysymUpperO)
}
