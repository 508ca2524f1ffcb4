// Package cli combines all other packages to produce the command line
// interface to this tool.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/stowage-io/stowage/internal/fetch"
	"github.com/stowage-io/stowage/pkg/archive"
	"github.com/stowage-io/stowage/pkg/configfile"
	"github.com/stowage-io/stowage/pkg/flags"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path"
	"path/filepath"
	"reflect"
)

const version = "dev"

// Runner implements simplecli.CLIRunner in the context of stowage.
type Runner struct {
	Logger     *archive.Logger
	ConfigFile *configfile.ConfigFile
	Flags      flags.Flags
	Archive    *archive.Archive
}

// ConfigPath returns the canonical location of the stowage config file.
func (*Runner) ConfigPath() string {
	return "~/.stowage/config"
}

// TempPath returns the path to a temp directory used during put operations
// where content must be temporarily buffered to local disk.
func (*Runner) TempPath() string {
	return path.Join(os.TempDir(), "stowage")
}

// Configure is responsible for fully populating the Runner struct with all
// context needed to actually run stowage.
func (run *Runner) Configure(args []string, configData io.Reader) error {
	// Instantiate flags from command line arguments.
	flags, flagsErr := flags.New(args, version)
	if flagsErr != nil {
		return flagsErr
	}
	run.Flags = flags
	// Make the verbose logger silent (or not) depending on flags.
	run.Logger = &archive.Logger{
		Stdout:  log.New(os.Stdout, "", 0),
		Stderr:  log.New(os.Stderr, "", 0),
		Verbose: log.New(ioutil.Discard, "", 0),
	}
	if flags.Debug {
		run.Logger.Verbose = log.New(os.Stderr, "", 0)
	}
	// Load supplied configuration file.
	configFile, configFileErr := configfile.New(configData)
	if configFileErr != nil {
		return configFileErr
	}
	run.ConfigFile = configFile
	// If we are running the config command we do not need an archive.
	if !flags.Config {
		target, targetErr := archive.NewFromConfig(*configFile.Target(flags.Target), run.Logger)
		if targetErr != nil {
			return targetErr
		}
		run.Archive = target
	}
	return nil
}

// Dispatch executes the method the parsed command line options call for.
func (run *Runner) Dispatch() error {
	method := run.Flags.Method()
	return reflect.ValueOf(run).MethodByName(method).Interface().(func() error)()
}

// Shutdown writes the contents of the in-memory config to the on-disk config
// file for stowage.
func (run *Runner) Shutdown(writer io.Writer) error {
	return run.ConfigFile.Save(writer)
}

// All methods that follow call commands using configuration derived from a
// single invocation of the stowage CLI.

// PutMain persists the requested inputs into the configured archive.
func (run *Runner) PutMain() error {
	run.Logger.Verbose.Printf("%s", run.Archive)
	return fetch.Many(context.Background(), run.Flags.Input, run.Flags.Concurrency,
		func(index int, request string, localPath string) error {
			name := run.Flags.Name
			if name == "" {
				if request == "-" {
					return fmt.Errorf("uploading from stdin requires --name")
				}
				// Sensible for urls too: the final path segment.
				name = filepath.Base(request)
			}
			sum, err := run.Archive.Upload(context.Background(), localPath, run.Flags.Dir, name, !run.Flags.NoOverwrite)
			if err != nil {
				return err
			}
			run.Logger.Stdout.Printf("%s %s", sum, path.Join(run.Flags.Dir, name))
			return nil
		})
}

// GetMain copies an archive file to a local destination.
func (run *Runner) GetMain() error {
	run.Logger.Verbose.Printf("%s", run.Archive)
	return run.Archive.Download(context.Background(), run.Flags.Path, run.Flags.Dest, run.Flags.Verify, !run.Flags.NoClobber)
}

// InfoMain displays the size and digest the archive holds for a file.
func (run *Runner) InfoMain() error {
	info, err := run.Archive.Info(context.Background(), run.Flags.Path)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("no archive file at %s", run.Flags.Path)
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	run.Logger.Stdout.Printf("%s", payload)
	return nil
}

// DeleteMain removes a file from the configured archive.
func (run *Runner) DeleteMain() error {
	return run.Archive.Delete(context.Background(), run.Flags.Path, !run.Flags.MustExist)
}

// LinkMain creates a symlink between two archive paths.
func (run *Runner) LinkMain() error {
	return run.Archive.Link(context.Background(), run.Flags.Path, run.Flags.LinkTarget, !run.Flags.NoOverwrite)
}

// ConfigMain displays the current configuration file contents.
func (run *Runner) ConfigMain() error {
	run.Logger.Stdout.Printf("%s", run.ConfigFile)
	return nil
}

// ConfigSet modifies the configuration of a target in the configuration file.
func (run *Runner) ConfigSet() error {
	run.ConfigFile.Target(run.Flags.Target).Set(run.Flags.Key, run.Flags.Value)
	return nil
}

// ConfigDelete removes a target (or a single key of a target) from the
// configuration file.
func (run *Runner) ConfigDelete() error {
	if run.Flags.Key != "" {
		run.ConfigFile.Target(run.Flags.Target).Delete(run.Flags.Key)
		return nil
	}
	run.ConfigFile.Delete(run.Flags.Target)
	return nil
}

// NotImplemented reports a command line invocation for which a command could
// not be found.
func (run *Runner) NotImplemented() error {
	return fmt.Errorf("command not implemented")
}
