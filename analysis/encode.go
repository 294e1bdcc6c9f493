package analysis

// The alphabet reduction maps every input byte onto one of 64 symbols or
// drops it. Lowercase letters, digits, the space, and common punctuation
// are kept; uppercase letters fold onto lowercase. Everything else
// (including all non-ASCII bytes) is dropped, which collapses rare
// formatting noise and keeps n-gram ids stable across minor differences.
//
// The exact alphabet is load-bearing only in the sense that changing it
// invalidates a previously learned index.

const (
	dropSymbol  = 0xFF
	numSymbols  = 64
	windowWidth = 5
)

// Punctuation assigned to symbols 37 through 63.
const encodedPunctuation = "!\"#$%&'()*+,-./:;<=>?@[]_{}"

var (
	byteToSymbol [256]byte
	symbolToByte [numSymbols]byte
)

func init() {
	for i := range byteToSymbol {
		byteToSymbol[i] = dropSymbol
	}

	symbol := byte(0)
	assign := func(b byte) {
		byteToSymbol[b] = symbol
		symbolToByte[symbol] = b
		symbol++
	}

	for b := byte('a'); b <= 'z'; b++ {
		assign(b)
	}
	for b := byte('A'); b <= 'Z'; b++ {
		byteToSymbol[b] = byteToSymbol[b-'A'+'a']
	}
	for b := byte('0'); b <= '9'; b++ {
		assign(b)
	}
	assign(' ')
	for i := 0; i < len(encodedPunctuation); i++ {
		assign(encodedPunctuation[i])
	}
}

// encode maps line bytes onto the reduced alphabet, removing dropped
// bytes, so the result may be shorter than the input.
func encode(line Line) []byte {
	sanitized := line.Sanitized()
	out := make([]byte, 0, len(sanitized))
	for _, b := range sanitized {
		if s := byteToSymbol[b]; s != dropSymbol {
			out = append(out, s)
		}
	}
	return out
}

// Decode maps encoded symbols back to their canonical bytes. It is the
// inverse of the alphabet reduction over canonical bytes only (case folds
// are not recoverable) and exists for diagnostics.
func Decode(encoded []byte) []byte {
	out := make([]byte, 0, len(encoded))
	for _, s := range encoded {
		if int(s) < numSymbols {
			out = append(out, symbolToByte[s])
		}
	}
	return out
}

// ngramIDs produces one id per 5-symbol window of the encoded buffer,
// sliding one symbol at a time. Each id combines the window's symbols with
// positional base-64 weights. Inputs shorter than the window yield no ids.
func ngramIDs(encoded []byte) []uint32 {
	if len(encoded) < windowWidth {
		return nil
	}

	ids := make([]uint32, 0, len(encoded)-windowWidth+1)
	for i := 0; i+windowWidth <= len(encoded); i++ {
		w := encoded[i : i+windowWidth]
		id := uint32(w[0]) +
			uint32(w[1])*64 +
			uint32(w[2])*64*64 +
			uint32(w[3])*64*64*64 +
			uint32(w[4])*64*64*64*64
		ids = append(ids, id)
	}
	return ids
}
