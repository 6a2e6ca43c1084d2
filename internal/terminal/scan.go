package terminal

import (
	"strconv"
	"strings"
)

const (
	maxCSILen = 64
	maxOSCLen = 4096
)

type scanState uint8

const (
	stGround scanState = iota
	stEsc
	stCSI
	stOSC
	stOSCEsc
)

// modeScanner picks the few sequences ptydeck cares about out of a byte
// stream that may split them across reads: OSC 0/2 window titles and the
// DECSET/DECRST private modes for bracketed paste and the alternate screen.
type modeScanner struct {
	state scanState
	buf   []byte

	title          string
	titleSeen      bool
	bracketedPaste bool
	altScreen      bool
}

func (s *modeScanner) Write(p []byte) {
	for _, b := range p {
		s.step(b)
	}
}

func (s *modeScanner) step(b byte) {
	switch s.state {
	case stGround:
		if b == 0x1b {
			s.state = stEsc
		}
	case stEsc:
		switch b {
		case ']':
			s.state = stOSC
			s.buf = s.buf[:0]
		case '[':
			s.state = stCSI
			s.buf = s.buf[:0]
		case 0x1b:
		default:
			s.state = stGround
		}
	case stCSI:
		switch {
		case b >= 0x40 && b <= 0x7e:
			s.handleCSI(b)
			s.state = stGround
		case b == 0x1b:
			s.state = stEsc
		case len(s.buf) >= maxCSILen:
			s.state = stGround
		default:
			s.buf = append(s.buf, b)
		}
	case stOSC:
		switch b {
		case 0x07:
			s.handleOSC()
			s.state = stGround
		case 0x1b:
			s.state = stOSCEsc
		default:
			if len(s.buf) >= maxOSCLen {
				s.state = stGround
				return
			}
			s.buf = append(s.buf, b)
		}
	case stOSCEsc:
		if b == '\\' {
			s.handleOSC()
			s.state = stGround
			return
		}
		// Anything else aborts the string; the ESC may start a new sequence.
		s.state = stEsc
		s.step(b)
	}
}

func (s *modeScanner) handleCSI(final byte) {
	if final != 'h' && final != 'l' {
		return
	}
	if len(s.buf) == 0 || s.buf[0] != '?' {
		return
	}
	set := final == 'h'
	for _, field := range strings.Split(string(s.buf[1:]), ";") {
		n, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		switch n {
		case 2004:
			s.bracketedPaste = set
		case 47, 1047, 1049:
			s.altScreen = set
		}
	}
}

func (s *modeScanner) handleOSC() {
	data := string(s.buf)
	idx := strings.IndexByte(data, ';')
	if idx < 0 {
		return
	}
	switch data[:idx] {
	case "0", "2":
		s.title = data[idx+1:]
		s.titleSeen = true
	}
}
