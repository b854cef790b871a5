// Command tuntcpc is an example client exercising the stack package: it
// connects to a remote address over the tunnel, writes one message, reads
// back whatever the peer sends until EOF, then shuts the connection down.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"

	"github.com/usertcp/tuntcp/internal/config"
	"github.com/usertcp/tuntcp/stack"
)

func main() {
	device := flag.String("dev", "", "tunnel device name (empty lets the OS pick)")
	remote := flag.String("remote", "", "remote IPv4 address to connect to")
	port := flag.Uint("port", 9182, "remote TCP port")
	message := flag.String("message", "hello over tunneled tcp", "payload to send once connected")
	flag.Parse()

	if *remote == "" {
		fmt.Fprintln(os.Stderr, "tuntcpc: -remote is required")
		os.Exit(2)
	}
	remoteAddr, err := netip.ParseAddr(*remote)
	if err != nil || !remoteAddr.Is4() {
		fmt.Fprintf(os.Stderr, "tuntcpc: -remote %q is not a dotted IPv4 address\n", *remote)
		os.Exit(2)
	}

	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "tuntcpc: %v\n", err)
		os.Exit(1)
	}

	s, err := stack.Open(*device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tuntcpc: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	conn, err := s.Connect(remoteAddr.As4(), uint16(*port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tuntcpc: connect: %v\n", err)
		os.Exit(1)
	}

	if _, err := conn.Write([]byte(*message)); err != nil {
		fmt.Fprintf(os.Stderr, "tuntcpc: write: %v\n", err)
		os.Exit(1)
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	if err := conn.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "tuntcpc: shutdown: %v\n", err)
		os.Exit(1)
	}
}
