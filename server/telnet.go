package server

// Telnet bytes that may appear on the control connection (RFC 854).
// Clients send IAC IP IAC DM ahead of ABOR.
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// stripTelnet removes Telnet command sequences from a control line in
// place. IAC IAC is an escaped 0xFF and is kept as a single byte.
func stripTelnet(line []byte) []byte {
	out := line[:0]
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b != telnetIAC {
			out = append(out, b)
			continue
		}
		if i+1 >= len(line) {
			break
		}
		i++
		switch line[i] {
		case telnetIAC:
			out = append(out, telnetIAC)
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// Three-byte negotiation: skip the option byte too.
			i++
		}
	}
	return out
}
