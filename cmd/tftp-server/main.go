package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/drunlade/go-tftp/tftp"
)

var (
	port    = flag.Int("p", tftp.DefaultPort, "service port")
	verbose = flag.Bool("v", false, "verbose mode (per-packet events)")
	quiet   = flag.Bool("q", false, "quiet mode, errors only")
	help    = flag.Bool("h", false, "show help")
	version = flag.Bool("version", false, "show version")
)

const versionString = "tftp-server version 0.1.0"

func main() {
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	flag.Usage = func() { showUsage(1) }
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *help {
		showUsage(0)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "%s: expected exactly one root directory\n", os.Args[0])
		showUsage(1)
	}
	root := flag.Arg(0)

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	if *quiet {
		level = zerolog.ErrorLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
	sink := tftp.NewZerologSink(log)

	// The core only consumes the flag; installing the handler is our
	// business.
	shutdown := new(atomic.Bool)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		shutdown.Store(true)
	}()

	server, err := tftp.NewServer(&tftp.ServerConfig{
		Port:     *port,
		Root:     root,
		Sink:     sink,
		Shutdown: shutdown,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	if err := server.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - TFTP server (RFC 1350, RFC 2347)

Usage: %s [options] <root>

The server reads and writes files under <root>, which must exist, be a
directory, and be readable and writable.

Options:
  -p N         service port (default: 69)
  -v           verbose mode, log every packet
  -q           quiet mode, log errors only
  -h           show this help message
  --version    show version

Examples:
  %s /srv/tftp             # Serve /srv/tftp on port 69
  %s -p 6969 -v /tmp/tftp  # Unprivileged port, packet logging

`, versionString, os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
