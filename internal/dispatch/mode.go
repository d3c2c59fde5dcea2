package dispatch

import "strings"

// Mode selects how a message is processed. The set is closed; anything
// unrecognized is treated as chat.
type Mode string

// Processing modes.
const (
	ModeChat   Mode = "chat"
	ModeData   Mode = "data"
	ModeVision Mode = "vision"
)

// ParseMode maps a wire value to a Mode. Unknown or empty values fall
// back to [ModeChat].
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeData:
		return ModeData
	case ModeVision:
		return ModeVision
	default:
		return ModeChat
	}
}

func (m Mode) String() string { return string(m) }
