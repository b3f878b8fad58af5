package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// GoleakOptions is passed to goleak.VerifyTestMain by every package.
var GoleakOptions = []goleak.Option{
	goleak.IgnoreCurrent(),
}

// Context returns a context that is canceled when the test ends or after d.
func Context(t testing.TB, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
