package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// loadConfig reads the config file into the options, then applies
// environment variables and re-applies explicitly set flags on top.
func (a *App) loadConfig(cmd *cobra.Command) error {
	v := a.viper
	flags := cmd.Flags()

	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(a.name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+a.name))
		}
		v.AddConfigPath("/etc/" + a.name)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	expandEnvVars(v)

	changed := make(map[string]string)
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			changed[f.Name] = flagValue(f)
		}
	})

	if err := v.Unmarshal(a.options); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnv(flags, envPrefix(a.name), changed); err != nil {
		return err
	}

	for name, val := range changed {
		if err := reapply(flags.Lookup(name), val); err != nil {
			return fmt.Errorf("failed to re-apply flag %s: %w", name, err)
		}
	}
	return nil
}

// reapply restores a command line value after the config file was decoded.
// Slice flags append on a second Set, so they are replaced instead.
func reapply(f *pflag.Flag, val string) error {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		return sv.Replace(splitList(val))
	}
	return f.Value.Set(val)
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// EnvName returns the environment variable that overrides a flag.
func EnvName(prefix, flag string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return prefix + "_" + strings.ToUpper(r.Replace(flag))
}

// applyEnv sets every flag not given on the command line from its
// environment variable, if present.
func applyEnv(fs *pflag.FlagSet, prefix string, changed map[string]string) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if _, ok := changed[f.Name]; ok || f.Name == "config" {
			return
		}
		val, ok := os.LookupEnv(EnvName(prefix, f.Name))
		if !ok {
			return
		}
		if sv, isSlice := f.Value.(pflag.SliceValue); isSlice {
			if err := sv.Replace(splitList(val)); err != nil {
				errs = append(errs, fmt.Errorf("env %s: %w", EnvName(prefix, f.Name), err))
			}
			return
		}
		if err := f.Value.Set(val); err != nil {
			errs = append(errs, fmt.Errorf("env %s: %w", EnvName(prefix, f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// flagValue returns a value that can be fed back to Set. Slice and map
// flags print as "[a,b]", which Set would not parse back.
func flagValue(f *pflag.Flag) string {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		return strings.Join(sv.GetSlice(), ",")
	}
	if f.Value.Type() == "stringToString" {
		return strings.TrimSuffix(strings.TrimPrefix(f.Value.String(), "["), "]")
	}
	return f.Value.String()
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandEnvVars expands ${VAR} and $VAR references in string config values.
// Unset variables are left as written.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		s, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		expanded := envPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := strings.TrimPrefix(match, "$")
			name = strings.TrimSuffix(strings.TrimPrefix(name, "{"), "}")
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			return match
		})
		if expanded != s {
			v.Set(key, expanded)
		}
	}
}
