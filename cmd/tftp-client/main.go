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
	host       = flag.String("h", "", "server host (required)")
	port       = flag.Int("p", tftp.DefaultPort, "server port")
	remotePath = flag.String("f", "", "remote file to download (omit to upload from stdin)")
	localPath  = flag.String("t", "", "target path: local destination, or remote name when uploading (required)")
	mode       = flag.String("m", "octet", "transfer mode: octet or netascii")
	verbose    = flag.Bool("v", false, "verbose mode (per-packet events)")
	quiet      = flag.Bool("q", false, "quiet mode, errors only")
	version    = flag.Bool("version", false, "show version")
)

const versionString = "tftp-client version 0.1.0"

func main() {
	// Repeatable two-argument "-o name value" flags are not expressible
	// with the flag package; collect them before it parses the rest.
	args, options, err := extractOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		showUsage(1)
	}
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	flag.Usage = func() { showUsage(1) }
	if err := flag.CommandLine.Parse(args); err != nil {
		os.Exit(1)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	if *host == "" || *localPath == "" {
		fmt.Fprintf(os.Stderr, "%s: -h and -t are required\n", os.Args[0])
		showUsage(1)
	}

	xferMode, err := tftp.ParseMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid mode %q\n", os.Args[0], *mode)
		os.Exit(1)
	}

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

	shutdown := new(atomic.Bool)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		shutdown.Store(true)
	}()

	client, err := tftp.NewClient(&tftp.ClientConfig{
		Host:       *host,
		Port:       *port,
		RemotePath: *remotePath,
		LocalPath:  *localPath,
		Mode:       xferMode,
		Options:    options,
		Stdin:      os.Stdin,
		Sink:       sink,
		Shutdown:   shutdown,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	if err := client.Run(); err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		}
		os.Exit(1)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "transfer complete (%d bytes)\n", client.BytesMoved())
	}
}

// extractOptions removes every "-o name value" triple from args and
// returns the remaining arguments plus the collected option pairs.
func extractOptions(args []string) ([]string, []tftp.OptionPair, error) {
	var rest []string
	var opts []tftp.OptionPair
	for i := 0; i < len(args); i++ {
		if args[i] != "-o" {
			rest = append(rest, args[i])
			continue
		}
		if i+2 >= len(args) {
			return nil, nil, fmt.Errorf("-o requires a name and a value")
		}
		opts = append(opts, tftp.OptionPair{Name: args[i+1], Value: args[i+2]})
		i += 2
	}
	return rest, opts, nil
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - TFTP client (RFC 1350, RFC 2347)

Usage: %s -h host [options] -t path

Without -f the client uploads standard input to the server under the
name given by -t. With -f it downloads the named remote file into the
local path given by -t, refusing to overwrite an existing file.

Options:
  -h HOST         server host (required)
  -p N            server port (default: 69)
  -f PATH         remote file to download
  -t PATH         target path (required)
  -m MODE         transfer mode: octet or netascii (default: octet)
  -o NAME VALUE   propose an option (repeatable), e.g. -o blksize 1024
  -v              verbose mode, log every packet
  -q              quiet mode, log errors only
  --version       show version

Examples:
  %s -h 10.0.0.1 -f boot.cfg -t ./boot.cfg    # Download
  %s -h 10.0.0.1 -t upload.txt < notes.txt    # Upload stdin
  %s -h 10.0.0.1 -o blksize 1024 -f a -t b    # Negotiate block size

`, versionString, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
