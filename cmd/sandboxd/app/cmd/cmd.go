/*
Copyright 2026 The Sandboxd Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sandboxops/sandboxd/pkg/sandbox/constants"
	"github.com/sandboxops/sandboxd/pkg/sandbox/version"
)

var (
	v       string
	cfgFile string
)

// NewSandboxdCommand builds the root command with all subcommands attached.
func NewSandboxdCommand(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sandboxd",
		Short: "A deployment controller for short-lived sandbox containers.",
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := SetUpLogs(errOut, v); err != nil {
			return err
		}
		// A .env file is optional; values already in the environment win
		// because godotenv never overwrites existing keys.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "loading .env")
		}
		logrus.Infof("Sandboxd %+v", version.Get())
		return nil
	}

	rootCmd.AddCommand(NewCmdServe(out))
	rootCmd.AddCommand(NewCmdCleanup(out))
	rootCmd.AddCommand(NewCmdScaffold(out))
	rootCmd.AddCommand(NewCmdVersion(out))

	rootCmd.PersistentFlags().StringVarP(&v, "verbosity", "v", constants.DefaultLogLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to the sandboxd configuration file")
	return rootCmd
}

// SetUpLogs routes log output and applies the requested verbosity.
func SetUpLogs(out io.Writer, level string) error {
	logrus.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	logrus.SetLevel(lvl)
	return nil
}
