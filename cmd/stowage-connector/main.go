package main

import (
	"fmt"
	"github.com/docopt/docopt-go"
	"github.com/stowage-io/stowage/pkg/connector"
	"log"
	"net/http"
	"os"
)

const version = "dev"

const usageTemplate = `Usage:
  %[1]s [--listen=<addr> --tokens=<file> --write-root=<dir> --read-root=<dir>]

Options:
  -l --listen=<addr>      Address to serve on [default: :8080].
  -t --tokens=<file>      Path/token table [default: /run/secrets/connector_tokens].
  -w --write-root=<dir>   Directory uploads are written to [default: /dest].
  -r --read-root=<dir>    Directory downloads are read from. Defaults to the
                          write root.
  -h --help               Show this screen.
  -v --version            Show version.
`

type options struct {
	Listen    string
	Tokens    string
	WriteRoot string `docopt:"--write-root"`
	ReadRoot  string `docopt:"--read-root"`
}

func run(args []string) error {
	usage := fmt.Sprintf(usageTemplate, args[0])
	opts := options{}
	parsed, err := (&docopt.Parser{}).ParseArgs(usage, args[1:], version)
	if err != nil {
		return err
	}
	if err := parsed.Bind(&opts); err != nil {
		return err
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	source, err := os.Open(opts.Tokens)
	if err != nil {
		return fmt.Errorf("can't read token table: %w", err)
	}
	tokens, err := connector.ParseTokens(source, logger)
	source.Close()
	if err != nil {
		return err
	}
	server := connector.New(opts.WriteRoot, opts.ReadRoot, tokens, logger)
	logger.Printf("serving %s on %s", opts.WriteRoot, opts.Listen)
	return http.ListenAndServe(opts.Listen, server.Routes())
}

func main() {
	if err := run(os.Args); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
