package rpm2sysvpkg

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cendio/rpm2sysvpkg/sysv"
)

const (
	// Linux terminal command string to clear the current line and reset the cursor
	clearLineVT100         = "\033[2K\r"
	cliInstallerMaxLineLen = 80

	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks errors in how a command was invoked.
type usageError struct{ error }

func usageErrorf(format string, args ...interface{}) error {
	return usageError{errors.Errorf(format, args...)}
}

// environment holds what every command of a run shares.
type environment struct {
	stdout, stderr io.Writer
	manifest       *Manifest
	translator     *Translator
}

func newEnvironment(stdout, stderr io.Writer) (*environment, error) {
	manifest, err := LoadManifest()
	if err != nil {
		return nil, err
	}
	translator, err := NewTranslatorVar(manifest.Variables())
	if err != nil {
		return nil, err
	}
	return &environment{stdout: stdout, stderr: stderr, manifest: manifest, translator: translator}, nil
}

// exitCode reports err the way both tools do and returns the process exit status.
func (e *environment) exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var usage usageError
	if errors.As(err, &usage) {
		fmt.Fprintln(e.stderr, e.translator.GetWith("err_usage", StringMap{"error": usage.Error()}))
		return exitUsage
	}
	Logger.WithError(err).Debug("Command failed")
	fmt.Fprintln(e.stderr, e.translator.GetWith("err_failed", StringMap{"error": err.Error()}))
	return exitFailure
}

func (e *environment) setLanguage(lang string) error {
	if lang == "" {
		return nil
	}
	if err := e.translator.SetLanguage(lang); err != nil {
		return usageErrorf("%s", e.translator.GetWith("err_language", StringMap{"lang": lang}))
	}
	return nil
}

func (e *environment) configure(cmd *cobra.Command) {
	cmd.SetOut(e.stdout)
	cmd.SetErr(e.stderr)
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError{err}
	})
}

// langHelp describes --lang with the available languages, e.g. "sv (Svenska)".
func langHelp(t *Translator) string {
	var choices []string
	for _, lang := range t.GetLanguages() {
		choices = append(choices, lang+" ("+t.GetLanguageDisplay(lang)+")")
	}
	return t.Get("cli_help_lang") + ": " + strings.Join(choices, ", ")
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// RunConverter runs the rpm2sysvpkg command line tool with the given arguments (without
// the program name) and returns the exit status.
//
// Usage:
//
//	rpm2sysvpkg [flags] <file.rpm>...
//	rpm2sysvpkg install [--root dir] [--source dir]
//	rpm2sysvpkg version
func RunConverter(args []string) int {
	return runConverter(args, os.Stdout, os.Stderr)
}

func runConverter(args []string, stdout, stderr io.Writer) int {
	env, err := newEnvironment(stdout, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	t := env.translator
	var (
		opts             ConvertOptions
		configFile, lang string
		verbose, debug   bool
		logFile          string
		showLicense      bool
		logCloser        io.Closer
	)
	root := &cobra.Command{
		Use:   env.manifest.Name + " [flags] <file.rpm>...",
		Short: t.Get("cli_short"),
		Long:  t.Get("cli_long"),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := env.setLanguage(lang); err != nil {
				return err
			}
			logCloser, err = startLogging(stderr, verbose, debug, logFile)
			return err
		},
		Args: usageArgs(func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !showLicense {
				return errors.New("no RPM files given")
			}
			return nil
		}),
		RunE: func(cmd *cobra.Command, args []string) error {
			if showLicense {
				license, err := GetResource(fmt.Sprintf("licenses/license_%s.txt", t.GetLanguage()))
				if err != nil {
					return err
				}
				fmt.Fprint(stdout, license)
				return nil
			}
			if opts.PkgName != "" && len(args) > 1 {
				return usageErrorf("--pkg needs a single RPM file")
			}
			if opts.Keep && !opts.Datastream {
				return usageErrorf("--keep needs --datastream")
			}
			config, err := NewConfig(configFile)
			if err != nil {
				return err
			}
			converter := NewConverter(config)
			opts.Out = stdout
			var failed int
			for _, rpmPath := range args {
				result, err := converter.ConvertFile(rpmPath, opts)
				if err != nil {
					Logger.WithError(err).Error("Conversion failed")
					failed++
					continue
				}
				if opts.DryRun {
					continue
				}
				target := result.Datastream
				if target == "" {
					target = result.Dir
				}
				fmt.Fprintln(stdout, t.GetWith("converted", StringMap{
					"rpm":    rpmPath,
					"pkg":    result.Pkg,
					"target": target,
					"size":   humanize.Bytes(uint64(result.Size)),
				}))
			}
			if failed > 0 {
				return errors.Errorf("%d of %d packages failed", failed, len(args))
			}
			return nil
		},
	}
	env.configure(root)

	flags := root.Flags()
	flags.StringVarP(&opts.OutputDir, "dir", "d", "", t.Get("cli_help_dir"))
	flags.BoolVarP(&opts.Datastream, "datastream", "s", false, t.Get("cli_help_datastream"))
	flags.BoolVar(&opts.Keep, "keep", false, t.Get("cli_help_keep"))
	flags.BoolVarP(&opts.Overwrite, "overwrite", "o", false, t.Get("cli_help_overwrite"))
	flags.StringVar(&opts.PkgName, "pkg", "", t.Get("cli_help_pkg"))
	flags.BoolVarP(&opts.DryRun, "dry-run", "n", false, t.Get("cli_help_dryrun"))
	flags.StringVar(&configFile, "config", "", t.Get("cli_help_config"))
	flags.BoolVar(&showLicense, "license", false, t.Get("cli_help_license"))

	persistent := root.PersistentFlags()
	persistent.StringVar(&lang, "lang", "", langHelp(t))
	persistent.BoolVarP(&verbose, "verbose", "v", false, t.Get("cli_help_verbose"))
	persistent.BoolVar(&debug, "debug", false, t.Get("cli_help_debug"))
	persistent.StringVar(&logFile, "log-file", "", t.Get("cli_help_logfile"))

	root.AddCommand(installCmd(env), versionCmd(env))
	root.SetArgs(args)
	err = root.Execute()
	if logCloser != nil {
		logCloser.Close()
	}
	return env.exitCode(err)
}

func installCmd(env *environment) *cobra.Command {
	t := env.translator
	var root, source string
	cmd := &cobra.Command{
		Use:   "install",
		Short: t.Get("cli_install_short"),
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				executable, err := os.Executable()
				if err != nil {
					return err
				}
				source = filepath.Dir(executable)
			}
			return runCliInstall(env, source, root)
		},
	}
	env.configure(cmd)
	cmd.Flags().StringVar(&root, "root", "/", t.Get("cli_help_root"))
	cmd.Flags().StringVar(&source, "source", "", t.Get("cli_help_source"))
	return cmd
}

// runCliInstall installs the data files of the manifest, showing the file being copied
// on a single status line. An interrupt rolls the installation back.
func runCliInstall(env *environment, source, root string) error {
	t := env.translator
	installer := NewInstaller(env.manifest, source, root)
	installer.SetProgressFunction(func(status InstallStatus) {
		if status.File == nil {
			return
		}
		file := status.File.Target
		if len(file) > cliInstallerMaxLineLen {
			file = "..." + file[len(file)-(cliInstallerMaxLineLen-3):]
		}
		fmt.Fprint(env.stdout, clearLineVT100+file)
	})
	cancelChannel := make(chan os.Signal, 1)
	signal.Notify(cancelChannel, os.Interrupt)
	defer signal.Stop(cancelChannel)

	fmt.Fprintln(env.stdout, t.Get("installing"))
	installer.StartInstall()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-cancelChannel:
			installer.Abort()
		case <-done:
		}
	}()
	if err := installer.WaitForDone(); err != nil {
		fmt.Fprint(env.stdout, clearLineVT100)
		if errors.Cause(err) == ErrAborted {
			fmt.Fprintln(env.stdout, t.Get("install_rolledback"))
		}
		return err
	}
	fmt.Fprintln(env.stdout, clearLineVT100+t.GetWith("installed", StringMap{"size": installer.SizeString()}))
	return nil
}

func versionCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: env.translator.Get("cli_version_short"),
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(env.stdout, env.translator.Get("version_line"))
			return nil
		},
	}
	env.configure(cmd)
	return cmd
}

// RunPkgtrans runs the pkgtrans command line tool with the given arguments (without the
// program name) and returns the exit status.
//
// Usage:
//
//	pkgtrans [-ions] <device1> <device2> [pkginst...]
func RunPkgtrans(args []string) int {
	return runPkgtrans(args, os.Stdout, os.Stderr)
}

func runPkgtrans(args []string, stdout, stderr io.Writer) int {
	env, err := newEnvironment(stdout, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	t := env.translator
	var (
		opts           sysv.TranslateOptions
		lang           string
		verbose, debug bool
		logCloser      io.Closer
	)
	cmd := &cobra.Command{
		Use:   "pkgtrans [-ions] <device1> <device2> [pkginst...]",
		Short: t.Get("pkgtrans_short"),
		Args:  usageArgs(cobra.MinimumNArgs(2)),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := env.setLanguage(lang); err != nil {
				return err
			}
			logCloser, err = startLogging(stderr, verbose, debug, "")
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Overwrite && opts.NewInstance {
				return usageErrorf("-o and -n cannot be used together")
			}
			src, dst, pkgs := args[0], args[1], args[2:]
			if len(pkgs) == 1 && pkgs[0] == "all" {
				pkgs = nil
			}
			written, err := sysv.Translate(src, dst, pkgs, opts)
			for _, pkg := range written {
				fmt.Fprintln(stdout, t.GetWith("pkgtrans_transferring", StringMap{"pkg": pkg}))
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, t.Get("pkgtrans_done"))
			return nil
		},
	}
	env.configure(cmd)
	flags := cmd.Flags()
	flags.BoolVarP(&opts.InfoOnly, "info-only", "i", false, t.Get("pkgtrans_help_infoonly"))
	flags.BoolVarP(&opts.Overwrite, "overwrite", "o", false, t.Get("pkgtrans_help_overwrite"))
	flags.BoolVarP(&opts.NewInstance, "new-instance", "n", false, t.Get("pkgtrans_help_newinstance"))
	flags.BoolVarP(&opts.Datastream, "datastream", "s", false, t.Get("pkgtrans_help_datastream"))
	flags.StringVar(&lang, "lang", "", langHelp(t))
	flags.BoolVarP(&verbose, "verbose", "v", false, t.Get("cli_help_verbose"))
	flags.BoolVar(&debug, "debug", false, t.Get("cli_help_debug"))

	cmd.SetArgs(args)
	err = cmd.Execute()
	if logCloser != nil {
		logCloser.Close()
	}
	return env.exitCode(err)
}
