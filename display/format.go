// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package display

import "github.com/gogpu/gputypes"

// DefaultFormat is the element format used when none is requested:
// one 32-bit float per element.
const DefaultFormat = gputypes.TextureFormatR32Float

// BytesPerElement returns the size of one element of format f, or 0 if the
// format is not supported for interop memory.
func BytesPerElement(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatR32Float:
		return 4
	case gputypes.TextureFormatRG32Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	default:
		return 0
	}
}
