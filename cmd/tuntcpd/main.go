// Command tuntcpd is an example server exercising the stack package: it
// binds a port over the tunnel and echoes back whatever each accepted
// connection sends, until the connection closes. Modeled on the
// promhttp-plus-flag wiring in runZeroInc-sockstats' cmd/ binaries.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/usertcp/tuntcp/internal/config"
	"github.com/usertcp/tuntcp/manager"
	"github.com/usertcp/tuntcp/stack"
)

func main() {
	device := flag.String("dev", "", "tunnel device name (empty lets the OS pick)")
	port := flag.Uint("port", 9182, "TCP port to listen on")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	flag.Parse()

	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "tuntcpd: %v\n", err)
		os.Exit(1)
	}

	s, err := stack.Open(*device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tuntcpd: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(s.Metrics())
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go http.ListenAndServe(*metricsAddr, nil)
	}

	ln, err := s.Bind(uint16(*port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tuntcpd: bind :%d: %v\n", *port, err)
		os.Exit(1)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "tuntcpd: accept: %v\n", err)
			return
		}
		go echo(conn)
	}
}

func echo(conn *manager.Stream) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF || err != nil {
			return
		}
	}
}
