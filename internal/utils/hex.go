package utils

const hexd = "0123456789ABCDEF"

// HexAddr formats a 7-bit bus address as "0x63".
func HexAddr(v uint16) string {
	return string([]byte{'0', 'x', hexd[(v>>4)&0xF], hexd[v&0xF]})
}

// BytesToHex converts a byte slice to a hexadecimal string
func BytesToHex(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexd[x>>4], hexd[x&0x0F])
	}
	return string(out)
}
