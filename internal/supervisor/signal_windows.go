//go:build windows

package supervisor

import "os"

// signalGraceful on Windows has no SIGTERM equivalent for an arbitrary
// process. (*os.Process).Signal implements only os.Kill on Windows, so
// sending os.Interrupt returns an error and delivers nothing; the graceful
// step has no effect there and the forceful kill is what ends the child.
func signalGraceful(p *os.Process) error {
	return p.Signal(os.Interrupt)
}
