// Package activation hands back an already-open UDP socket inherited from a
// supervising process (systemd/launchd-style socket activation), translated
// from original_source/src/listen/activation_socket.rs's Unix fd-3 path.
// The macOS launch_activate_socket() path is not implemented here: it
// requires cgo, which nothing else in this module uses — see DESIGN.md.
package activation

import (
	"net"
	"os"

	"github.com/mikispag/doh-forwarder/internal/doherr"
)

// InheritedFD is the well-known descriptor number a supervising process
// hands a listener on Unix systems.
const InheritedFD = 3

// Socket wraps the inherited file descriptor 3 as a *net.UDPConn.
func Socket() (*net.UDPConn, error) {
	f := os.NewFile(InheritedFD, "listen-activation")
	if f == nil {
		return nil, doherr.New(doherr.KindIO, "file descriptor 3 is not open")
	}
	conn, err := net.FilePacketConn(f)
	// FilePacketConn dup()s the descriptor; the original is no longer
	// needed once we hold the net.PacketConn.
	closeErr := f.Close()
	if err != nil {
		return nil, doherr.Wrap(doherr.KindIO, "could not adopt inherited socket", err)
	}
	if closeErr != nil {
		return nil, doherr.Wrap(doherr.KindIO, "could not close raw inherited descriptor", closeErr)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return nil, doherr.New(doherr.KindIO, "inherited descriptor is not a UDP socket")
	}
	return udpConn, nil
}
