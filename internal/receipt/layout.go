package receipt

// layout describes where the fixed-width fields of one wire version live.
// Offsets are byte positions; a negative startTimeOffset means the version
// carries no stream start time.
type layout struct {
	size            int
	nonceOffset     int
	streamIDOffset  int
	totalOffset     int
	startTimeOffset int
	hmacOffset      int
}

const (
	// Version1 is the ilp-protocol-stream receipt layout without a start time.
	Version1 uint8 = 1
	// Version2 appends the stream start time before the HMAC.
	Version2 uint8 = 2

	// CurrentVersion is the version minted by New when none is requested.
	CurrentVersion = Version1
)

// layouts is keyed by the leading version byte, and the byte alone decides
// the length. ilp-protocol-stream signs 58-byte receipts with version 1, so
// the 66-byte layout that carries the stream start time cannot share that
// byte and is tagged 2. A 66-byte receipt starting with 1 is malformed even
// when its HMAC checks out.
var layouts = map[uint8]layout{
	Version1: {
		size:            58,
		nonceOffset:     1,
		streamIDOffset:  17,
		totalOffset:     18,
		startTimeOffset: -1,
		hmacOffset:      26,
	},
	Version2: {
		size:            66,
		nonceOffset:     1,
		streamIDOffset:  17,
		totalOffset:     18,
		startTimeOffset: 26,
		hmacOffset:      34,
	},
}

func layoutFor(version uint8) (layout, bool) {
	l, ok := layouts[version]
	return l, ok
}

// Size returns the encoded length of a receipt version, or 0 if unsupported.
func Size(version uint8) int {
	return layouts[version].size
}

// MaxEncodedLen is the longest base64 encoding of any supported version.
func MaxEncodedLen() int {
	longest := 0
	for _, l := range layouts {
		if l.size > longest {
			longest = l.size
		}
	}
	return (longest + 2) / 3 * 4
}
