// Package testutil defines internal support code for writing tests.
package testutil

import (
	"testing"

	"github.com/jlot/jlot/echo"
)

// StartEcho starts an echo server on an arbitrary loopback port and returns
// its address along with a stop function. The server shuts down when the
// test ends, or earlier if the test calls stop itself (tests that check for
// leaked goroutines must stop it before their deferred check runs).
func StartEcho(t *testing.T, opts *echo.Options) (addr string, stop func()) {
	t.Helper()

	srv, err := echo.Listen("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("echo.Listen: %v", err)
	}
	go srv.Serve()
	stop = func() { srv.Close() }
	t.Cleanup(stop)
	return srv.Addr(), stop
}
