package descriptor

import "strings"

const (
	checksumLen     = 8
	inputCharset    = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

var checksumGenerator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

// Checksum returns the 8 chars descriptor checksum of desc, or an empty
// string if desc contains chars outside of the descriptor charset.
func Checksum(desc string) string {
	c := uint64(1)
	cls, clsCount := 0, 0
	for _, ch := range desc {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return ""
		}
		c = polymod(c, pos&31)
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls, clsCount = 0, 0
		}
	}
	if clsCount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < checksumLen; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	out := make([]byte, checksumLen)
	for i := 0; i < checksumLen; i++ {
		out[i] = checksumCharset[(c>>(5*(7-i)))&31]
	}
	return string(out)
}

func polymod(c uint64, val int) uint64 {
	top := c >> 35
	c = (c&0x7ffffffff)<<5 ^ uint64(val)
	for i, g := range checksumGenerator {
		if (top>>uint(i))&1 == 1 {
			c ^= g
		}
	}
	return c
}

func splitChecksum(text string) (string, string, error) {
	i := strings.LastIndex(text, "#")
	if i < 0 {
		return text, "", nil
	}
	desc, checksum := text[:i], text[i+1:]
	if len(checksum) != checksumLen {
		return "", "", malformed(checksum, "checksum must be %d chars", checksumLen)
	}
	if expected := Checksum(desc); expected != checksum {
		return "", "", malformed(checksum, "checksum mismatch")
	}
	return desc, checksum, nil
}
