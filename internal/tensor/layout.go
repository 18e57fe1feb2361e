package tensor

import (
	"errors"
	"fmt"
)

// ErrUnknownLayout is returned by ParseLayout for unrecognized names.
var ErrUnknownLayout = errors.New("unknown image data format")

// Layout is the memory order of image batches.
type Layout int

// Image layouts.
const (
	// ChannelsFirst orders image tensors as [N, C, H, W].
	ChannelsFirst Layout = iota
	// ChannelsLast orders image tensors as [N, H, W, C].
	ChannelsLast
)

// ParseLayout accepts "channels_first" or "channels_last".
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "channels_first":
		return ChannelsFirst, nil
	case "channels_last":
		return ChannelsLast, nil
	default:
		return 0, fmt.Errorf("%w: %q (want channels_first or channels_last)", ErrUnknownLayout, s)
	}
}

// String returns the Keras name of the layout.
func (l Layout) String() string {
	switch l {
	case ChannelsFirst:
		return "channels_first"
	case ChannelsLast:
		return "channels_last"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ChannelAxis returns the channel dimension in a rank-4 batch.
func (l Layout) ChannelAxis() int {
	if l == ChannelsLast {
		return 3
	}
	return 1
}

// SampleShape returns the per-sample shape for an image of the given geometry.
func (l Layout) SampleShape(channels, height, width int) Shape {
	if l == ChannelsLast {
		return Shape{height, width, channels}
	}
	return Shape{channels, height, width}
}
