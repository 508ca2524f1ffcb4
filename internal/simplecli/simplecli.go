// Package simplecli owns the lifecycle plumbing shared by stowage commands:
// locating, opening and persisting the configuration file, and providing a
// scratch directory that never outlives the run. It is deliberately tiny;
// accepting ~50 lines of easy to follow code beats pulling in a command line
// framework that buries the same work in reflection.
package simplecli

import (
	"fmt"
	"github.com/mitchellh/go-homedir"
	"io"
	"os"
	"path"
)

// CLIRunner is the contract a command line program fulfills to be driven by
// Run.
type CLIRunner interface {
	// ConfigPath locates the configuration file. A leading ~ is expanded.
	ConfigPath() string
	// TempPath names a scratch directory that exists while the program runs.
	TempPath() string
	// Configure parses args and loads the supplied configuration data.
	Configure([]string, io.Reader) error
	// Dispatch performs the work the parsed arguments call for.
	Dispatch() error
	// Shutdown persists the (possibly modified) configuration.
	Shutdown(io.Writer) error
}

// Run drives a CLIRunner through one full invocation: scratch directory up,
// configuration file opened (created empty on first run), Configure,
// Dispatch, and finally Shutdown against the truncated configuration file so
// mutations made while running are persisted. Configuration is saved even
// when Dispatch fails; changes applied before the failure are not lost.
func Run(cli CLIRunner, args []string) error {
	if err := os.MkdirAll(cli.TempPath(), 0755); err != nil {
		return fmt.Errorf("preparing scratch dir: %w", err)
	}
	defer os.RemoveAll(cli.TempPath())
	configPath, err := homedir.Expand(cli.ConfigPath())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("preparing config dir: %w", err)
	}
	config, err := os.OpenFile(configPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer config.Close()
	if err := cli.Configure(args, config); err != nil {
		return err
	}
	dispatchErr := cli.Dispatch()
	if err := persist(cli, config); err != nil && dispatchErr == nil {
		return err
	}
	return dispatchErr
}

// persist rewrites the configuration file in place with whatever Shutdown
// produces.
func persist(cli CLIRunner, config *os.File) error {
	if _, err := config.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := config.Truncate(0); err != nil {
		return err
	}
	if err := cli.Shutdown(config); err != nil {
		return fmt.Errorf("persisting config: %w", err)
	}
	return nil
}
