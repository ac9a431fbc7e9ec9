package ipc

// DefaultEmbeddedLimit is the largest message (UTF-8 bytes) sent inline in an INTENT
const DefaultEmbeddedLimit int = 400_000

// FrameOverhead is the room reserved in a frame for fields around its payload
const FrameOverhead int = 1024

// Limits bounds the frames read and written on a connection
type Limits struct {
	MaxFrame int `mapstructure:"max_frame"`
	MaxChunk int `mapstructure:"max_chunk"`
}

// DefaultLimits returns the default protocol limits
func DefaultLimits() Limits {
	return Limits{
		MaxFrame: DefaultMaxFrame,
		MaxChunk: DefaultMaxChunk,
	}
}

// normalized fills zero fields with defaults and clamps to the hard limit
func (l Limits) normalized() Limits {
	if l.MaxFrame <= 0 {
		l.MaxFrame = DefaultMaxFrame
	}
	if l.MaxFrame > MaxFrameHardLimit {
		l.MaxFrame = MaxFrameHardLimit
	}
	if l.MaxChunk <= 0 {
		l.MaxChunk = DefaultMaxChunk
	}
	// a chunk plus its frame overhead must fit in one frame
	if l.MaxChunk > l.MaxFrame-FrameOverhead {
		l.MaxChunk = l.MaxFrame - FrameOverhead
	}
	return l
}

// MaxEmbedded is the largest message an INTENT frame can carry inline
func (l Limits) MaxEmbedded() int {
	return l.normalized().MaxFrame - FrameOverhead
}
