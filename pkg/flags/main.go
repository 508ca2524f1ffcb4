// Package flags is responsible for converting command line options into a typed
// struct representing their values.
package flags

import (
	"fmt"
	"github.com/docopt/docopt-go"
)

const usageTemplate = `Usage:
  %[1]s [--concurrency=<num> --dir=<dir> --name=<name> --no-overwrite -d] put <target> <input>...
  %[1]s [--verify --no-clobber -d] get <target> <path> <dest>
  %[1]s [-d] info <target> <path>
  %[1]s [--must-exist -d] delete <target> <path>
  %[1]s [--no-overwrite -d] link <target> <path> <linktarget>
  %[1]s [-d] config [set <target> <key> <value> | delete <target> [<key>]]

Options:
  -c --concurrency=<num>   Max concurrent uploads [default: 10].
  --dir=<dir>              Archive directory uploads land in.
  --name=<name>            Archive file name for a single upload.
  --no-overwrite           Refuse to replace existing archive files.
  --verify                 Check an existing local copy against the archive.
  --no-clobber             Never replace a local copy that fails verification.
  --must-exist             Fail deletion when the archive file is missing.
  -d --debug               Show debugging output [default: false].
  -h --help                Show this screen.
  -v --version             Show version.

Examples
  %[1]s config set main url https://archive.example.com
  %[1]s config set main token secret
  %[1]s config
  %[1]s config delete main token
  %[1]s -d put main --dir=run-17 **/*.dat
  %[1]s -d put main --name=logo.svg https://scaleout.team/logo.svg
  printf "data" | %[1]s put main --name=data.txt -
  %[1]s -d get main run-17/a.dat ./a.dat
  %[1]s -d info main run-17/a.dat | jq
  %[1]s -d link main latest/a.dat run-17/a.dat
  %[1]s -d delete main run-17/a.dat
`

// Flags provides a typed interface to all supported command line arguments.
type Flags struct {
	Config      bool
	Delete      bool
	Target      string
	Set         bool
	Key         string
	Value       string
	Put         bool
	Get         bool
	Info        bool
	Link        bool
	Input       []string
	Path        string
	Dest        string
	LinkTarget  string `docopt:"<linktarget>"`
	Dir         string
	Name        string
	NoOverwrite bool `docopt:"--no-overwrite"`
	Verify      bool
	NoClobber   bool `docopt:"--no-clobber"`
	MustExist   bool `docopt:"--must-exist"`
	Concurrency int
	Debug       bool
}

// New creates an instance of Flags and populates it by parsing command line
// flags using docopts.
func New(args []string, version string) (Flags, error) {
	var err error
	// Respect what the user named the binary.
	usage := fmt.Sprintf(usageTemplate, args[0])
	flags := Flags{}
	// Parse command line flags.
	opts, _ := (&docopt.Parser{
		HelpHandler: func(parseErr error, usage string) {
			err = parseErr
		},
	}).ParseArgs(usage, args[1:], version)
	if err != nil {
		return flags, fmt.Errorf("%s", usage)
	}
	// Populate flags struct with our command line options.
	err = opts.Bind(&flags)
	return flags, err
}

// Method returns a string value representing which command is expected to be
// run for a given configuration of command line options. Consumers are expected
// to use this information to choose which method to invoke when running the
// program.
func (f Flags) Method() string {
	if f.Put {
		return "PutMain"
	}
	if f.Get {
		return "GetMain"
	}
	if f.Info {
		return "InfoMain"
	}
	if f.Link {
		return "LinkMain"
	}
	// Config owns its delete subcommand, so it must be checked before the
	// top-level delete command.
	if f.Config {
		if f.Delete {
			return "ConfigDelete"
		}
		if f.Set {
			return "ConfigSet"
		}
		return "ConfigMain"
	}
	if f.Delete {
		return "DeleteMain"
	}
	return "NotImplemented"
}
