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
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sandboxops/sandboxd/pkg/sandbox/config"
	"github.com/sandboxops/sandboxd/pkg/sandbox/scaffold"
)

// NewCmdScaffold describes the scaffold command. With no arguments it lists
// the available templates; with a template and a target it instantiates one.
func NewCmdScaffold(out io.Writer) *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "scaffold [template] [target]",
		Short: "List project templates or instantiate one into a new directory",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScaffold(cmd.Context(), out, args, vars)
		},
	}
	cmd.Flags().StringArrayVar(&vars, "set", nil, "Substitution as KEY=VALUE, repeatable")
	return cmd
}

func runScaffold(ctx context.Context, out io.Writer, args, vars []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}
	scaffolder := scaffold.New(cfg.TemplatesDir, ".")

	switch len(args) {
	case 0:
		templates, err := scaffolder.List()
		if err != nil {
			return errors.Wrap(err, "listing templates")
		}
		if len(templates) == 0 {
			fmt.Fprintln(out, "no templates found")
			return nil
		}
		for _, tpl := range templates {
			fmt.Fprintf(out, "%s\t%s (%d files)\n", tpl.Name, tpl.Description, tpl.FileCount)
		}
		return nil

	case 1:
		tpl, err := scaffolder.Detail(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", tpl.Name, tpl.Description)
		for _, f := range tpl.Files {
			fmt.Fprintf(out, "  %s\n", f)
		}
		return nil

	default:
		substitutions, err := parseVars(vars)
		if err != nil {
			return err
		}
		path, err := scaffolder.Instantiate(ctx, args[0], args[1], substitutions)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s from template %s\n", path, args[0])
		return nil
	}
}

func parseVars(vars []string) (map[string]string, error) {
	out := map[string]string{}
	for _, kv := range vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid substitution %q, want KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}
