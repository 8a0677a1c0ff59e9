package listener

// RFC 6587 framing for syslog over stream transports. Two methods are
// supported with per-frame detection: octet counting ("LEN SP MSG", first
// byte a digit) and non-transparent framing (LF- or NUL-terminated, first
// byte '<'). Stray delimiters between frames are consumed silently.

// maxFrameSize bounds a single framed message on stream transports.
const maxFrameSize = 1024 * 1024

// nextFrame extracts one complete frame from the start of buf. It returns
// the frame content, the number of bytes consumed, and whether a complete
// frame was found. A zero-length content with consumed > 0 means junk was
// skipped; the caller should not submit it.
func nextFrame(buf []byte) (content []byte, consumed int, ok bool) {
	if len(buf) == 0 {
		return nil, 0, false
	}

	switch b := buf[0]; {
	case b >= '1' && b <= '9':
		return octetCountedFrame(buf)
	case b == '<':
		return nonTransparentFrame(buf)
	case b == '\n' || b == '\r' || b == 0:
		return nil, 1, true
	default:
		// Unexpected leading byte: consume it to avoid getting stuck.
		return nil, 1, true
	}
}

// octetCountedFrame parses "LEN SP MSG".
func octetCountedFrame(buf []byte) ([]byte, int, bool) {
	msgLen := 0
	i := 0
	for ; i < len(buf); i++ {
		b := buf[i]
		if b == ' ' {
			i++
			break
		}
		if b < '0' || b > '9' || i >= 10 {
			// Malformed length prefix: skip one byte.
			return nil, 1, true
		}
		msgLen = msgLen*10 + int(b-'0')
	}

	// Ran out of buffer before the SP: wait for more data.
	if i == len(buf) && (i == 0 || buf[i-1] != ' ') {
		return nil, 0, false
	}
	if msgLen == 0 || msgLen > maxFrameSize {
		return nil, i, true
	}

	total := i + msgLen
	if len(buf) < total {
		return nil, 0, false
	}
	return buf[i:total], total, true
}

// nonTransparentFrame scans for a LF or NUL trailer, stripping trailing
// CR+LF and NUL from the content.
func nonTransparentFrame(buf []byte) ([]byte, int, bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] == '\n' || buf[i] == 0 {
			return trimTrailer(buf[:i]), i + 1, true
		}
	}
	if len(buf) > maxFrameSize {
		// No trailer within the limit: drop the oversized prefix.
		return nil, len(buf), true
	}
	return nil, 0, false
}

func trimTrailer(b []byte) []byte {
	for len(b) > 0 {
		last := b[len(b)-1]
		if last == '\r' || last == 0 {
			b = b[:len(b)-1]
			continue
		}
		return b
	}
	return b
}
