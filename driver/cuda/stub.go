// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !(cuda && cgo)

package cuda

import (
	"fmt"

	"github.com/gogpu/interop/driver"
)

func init() {
	driver.Register(driver.NameCUDA, func() (driver.Driver, error) {
		return nil, fmt.Errorf("%w: built without cuda tag and cgo", ErrUnavailable)
	})
}
