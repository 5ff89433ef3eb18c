//go:build windows

package ipc

import (
	"fmt"
	"net"
)

// listen on Windows would bind a named pipe; that requires a platform
// library (e.g. Microsoft/go-winio) outside this stack, so Windows support
// is left as a documented gap rather than faked with a TCP fallback — the
// same out-of-scope-platform-packaging treatment the supervisor package
// gives signalGraceful on Windows.
func listen(path string) (net.Listener, error) {
	return nil, fmt.Errorf("ipc: named pipe transport not implemented on windows")
}
