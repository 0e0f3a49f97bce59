// Package app provides application bootstrapping with Cobra, Viper, and Pflag.
//
// Options are read with the following precedence, highest first: explicitly
// set flags, environment variables (<NAME>_<FLAG>, dots and dashes replaced by
// underscores), the config file, flag defaults.
//
// Usage:
//
//	app := app.NewApp(
//	    app.WithName("docchat"),
//	    app.WithOptions(opts),
//	    app.WithRunFunc(run),
//	    app.WithCommands(indexCmd),
//	)
//	app.Run()
package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kart-io/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
)

// App is the main application structure.
type App struct {
	name        string
	shortDesc   string
	description string
	options     CliOptions
	runFunc     RunFunc
	commands    []*cobra.Command
	cmd         *cobra.Command
	viper       *viper.Viper
	noVersion   bool
	noConfig    bool
}

// RunFunc is the application's run function.
type RunFunc func(cmd *cobra.Command) error

// Option configures an App.
type Option func(*App)

// WithName sets the application name. It also names the config file and the
// environment variable prefix.
func WithName(name string) Option {
	return func(a *App) {
		a.name = name
	}
}

// WithShortDescription sets the short description.
func WithShortDescription(desc string) Option {
	return func(a *App) {
		a.shortDesc = desc
	}
}

// WithDescription sets the long description.
func WithDescription(desc string) Option {
	return func(a *App) {
		a.description = desc
	}
}

// WithOptions sets the CLI options.
func WithOptions(opts CliOptions) Option {
	return func(a *App) {
		a.options = opts
	}
}

// WithRunFunc sets the root command's run function.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) {
		a.runFunc = run
	}
}

// WithCommands adds subcommands. They share the root's options, which are
// loaded and validated before any of them runs.
func WithCommands(cmds ...*cobra.Command) Option {
	return func(a *App) {
		a.commands = append(a.commands, cmds...)
	}
}

// WithNoVersion disables version flag.
func WithNoVersion() Option {
	return func(a *App) {
		a.noVersion = true
	}
}

// WithNoConfig disables config file loading.
func WithNoConfig() Option {
	return func(a *App) {
		a.noConfig = true
	}
}

// NewApp creates a new application instance.
func NewApp(opts ...Option) *App {
	a := &App{
		name:  filepath.Base(os.Args[0]),
		viper: viper.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.buildCommand()
	return a
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:               a.name,
		Short:             a.shortDesc,
		Long:              a.description,
		SilenceUsage:      true,
		PersistentPreRunE: a.prepare,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.runFunc == nil {
				return cmd.Help()
			}
			return a.runFunc(cmd)
		},
		Args: cobra.NoArgs,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	fs := cmd.PersistentFlags()
	if !a.noConfig {
		fs.StringP("config", "c", "", "Path to config file.")
	}
	if !a.noVersion {
		version.AddFlags(fs)
	}
	if a.options != nil {
		fss := a.options.Flags()
		for _, name := range fss.Order {
			fs.AddFlagSet(fss.FlagSets[name])
		}
		setUsageAndHelp(cmd, fss)
	}

	cmd.AddCommand(a.commands...)
	a.cmd = cmd
}

// prepare loads configuration, then completes and validates the options.
func (a *App) prepare(cmd *cobra.Command, _ []string) error {
	if !a.noVersion {
		version.PrintAndExitIfRequested()
	}
	if a.options == nil {
		return nil
	}
	if !a.noConfig {
		if err := a.loadConfig(cmd); err != nil {
			return err
		}
	}
	if err := a.options.Complete(); err != nil {
		return err
	}
	return a.options.Validate()
}

// Run executes the application.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Command returns the cobra command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Viper returns the viper instance holding the loaded config file.
func (a *App) Viper() *viper.Viper {
	return a.viper
}

func setUsageAndHelp(cmd *cobra.Command, fss cliflag.NamedFlagSets) {
	cmd.SetUsageFunc(func(c *cobra.Command) error {
		fmt.Fprintf(c.OutOrStderr(), "Usage:\n  %s\n", c.UseLine())
		if c.HasAvailableSubCommands() {
			fmt.Fprintln(c.OutOrStderr(), "\nCommands:")
			for _, sub := range c.Commands() {
				if sub.IsAvailableCommand() {
					fmt.Fprintf(c.OutOrStderr(), "  %-12s %s\n", sub.Name(), sub.Short)
				}
			}
		}
		cliflag.PrintSections(c.OutOrStderr(), fss, 0)
		return nil
	})
	cmd.SetHelpFunc(func(c *cobra.Command, _ []string) {
		if c.Long != "" {
			fmt.Fprintf(c.OutOrStdout(), "%s\n\n", c.Long)
		}
		_ = c.Usage()
	})
}
