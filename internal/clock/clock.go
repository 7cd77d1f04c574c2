// Package clock provides the time source used for session timestamps.
// Override NowFunc in tests for determinism.
package clock

import "time"

// NowFunc returns the current time.
var NowFunc = time.Now

// Now is a thin wrapper around NowFunc.
func Now() time.Time { return NowFunc() }
