package kbd

// Set 1 make codes for the modifier keys tracked by the decoder.
const (
	scLeftShift  = 0x2a
	scRightShift = 0x36
	scCapsLock   = 0x3a

	// breakBit is set on the release code of a key.
	breakBit = 0x80
)

// normalMap translates set 1 make codes for the US QWERTY layout. Zero
// entries produce no output.
var normalMap = [...]byte{
	0, 0x1b, '1', '2', '3', '4', '5', '6', // 0x00
	'7', '8', '9', '0', '-', '=', '\b', '\t',
	'q', 'w', 'e', 'r', 't', 'y', 'u', 'i', // 0x10
	'o', 'p', '[', ']', '\n', 0, 'a', 's',
	'd', 'f', 'g', 'h', 'j', 'k', 'l', ';', // 0x20
	'\'', '`', 0, '\\', 'z', 'x', 'c', 'v',
	'b', 'n', 'm', ',', '.', '/', 0, '*', // 0x30
	0, ' ', 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, '7', // 0x40
	'8', '9', '-', '4', '5', '6', '+', '1',
	'2', '3', '0', '.', 0, 0, 0, 0, // 0x50
}

// shiftMap translates make codes while a shift key is held.
var shiftMap = [...]byte{
	0, 0x1b, '!', '@', '#', '$', '%', '^', // 0x00
	'&', '*', '(', ')', '_', '+', '\b', '\t',
	'Q', 'W', 'E', 'R', 'T', 'Y', 'U', 'I', // 0x10
	'O', 'P', '{', '}', '\n', 0, 'A', 'S',
	'D', 'F', 'G', 'H', 'J', 'K', 'L', ':', // 0x20
	'"', '~', 0, '|', 'Z', 'X', 'C', 'V',
	'B', 'N', 'M', '<', '>', '?', 0, '*', // 0x30
	0, ' ', 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, '7', // 0x40
	'8', '9', '-', '4', '5', '6', '+', '1',
	'2', '3', '0', '.', 0, 0, 0, 0, // 0x50
}

// Decoder turns a set 1 scancode sequence into characters, tracking the
// shift and caps lock state across calls.
type Decoder struct {
	shift bool
	caps  bool
}

// Decode feeds one scancode to the decoder. It returns the decoded
// character and true when the scancode completes a printable key press;
// modifier presses, key releases and unknown codes return false.
func (d *Decoder) Decode(sc uint8) (byte, bool) {
	if sc&breakBit != 0 {
		switch sc &^ breakBit {
		case scLeftShift, scRightShift:
			d.shift = false
		}
		return 0, false
	}

	switch sc {
	case scLeftShift, scRightShift:
		d.shift = true
		return 0, false
	case scCapsLock:
		d.caps = !d.caps
		return 0, false
	}

	if int(sc) >= len(normalMap) {
		return 0, false
	}

	var ch byte
	if d.shift {
		ch = shiftMap[sc]
	} else {
		ch = normalMap[sc]
	}
	if ch == 0 {
		return 0, false
	}

	// Caps lock inverts the case of letters without affecting the other
	// keys.
	if d.caps {
		switch {
		case ch >= 'a' && ch <= 'z':
			ch -= 'a' - 'A'
		case ch >= 'A' && ch <= 'Z':
			ch += 'a' - 'A'
		}
	}

	return ch, true
}
