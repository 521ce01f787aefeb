package cmd

import (
	"context"
	"fmt"
	"pce/internal/module"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func moduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Install, deploy and inspect modules on this PCE",
	}
	cmd.AddCommand(
		moduleInstallCmd(a),
		moduleIDCmd(a, "deploy", "Run a module's deploy script", (*module.Orchestrator).Deploy),
		moduleIDCmd(a, "ready", "Mark a module that required admin action as ready", (*module.Orchestrator).MarkReady),
		moduleIDCmd(a, "get", "Show one module", (*module.Orchestrator).Get),
		moduleDeleteCmd(a),
		moduleListCmd(a),
	)
	return cmd
}

func moduleInstallCmd(a *app) *cobra.Command {
	var req module.InstallRequest
	cmd := &cobra.Command{
		Use:   "install <mod-id> <mod-name>",
		Short: "Check out a module from its source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			modID, err := parseID("mod-id", args[0])
			if err != nil {
				return err
			}
			req.ModID, req.ModName = modID, args[1]

			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			v, err := l.modules.Install(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.showModule(cmd, v)
		},
	}
	cmd.Flags().StringVar(&req.SourceLocation.Type, "source-type", "local", "Source type (local or git)")
	cmd.Flags().StringVar(&req.SourceLocation.Path, "source-path", "", "Source path or repository URL")
	cmd.Flags().StringVar(&req.TargetParentDir, "install-dir", "", "Parent directory of the installed tree (default <root>/modules)")
	cmd.MarkFlagRequired("source-path")
	return cmd
}

type moduleOp func(o *module.Orchestrator, ctx context.Context, modID int) (module.View, error)

func moduleIDCmd(a *app, use, short string, op moduleOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <mod-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modID, err := parseID("mod-id", args[0])
			if err != nil {
				return err
			}
			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			v, err := op(l.modules, cmd.Context(), modID)
			if err != nil {
				return err
			}
			return a.showModule(cmd, v)
		},
	}
}

func moduleDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <mod-id>",
		Short: "Delete a module, or mark it for deletion while a script runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modID, err := parseID("mod-id", args[0])
			if err != nil {
				return err
			}
			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			res, err := l.modules.Delete(cmd.Context(), modID)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.print(cmd, map[string]any{"mod_id": modID, "result": res})
			}
			pterm.Success.Printfln("Module %d: %s", modID, res)
			return nil
		},
	}
}

func moduleListCmd(a *app) *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []module.State
			for _, s := range states {
				st := module.State(s)
				if !st.Valid() {
					return fmt.Errorf("unknown module state %q", s)
				}
				filter = append(filter, st)
			}
			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			views, err := l.modules.List(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.print(cmd, views)
			}
			data := pterm.TableData{{"ID", "NAME", "STATE", "PATH", "ERROR"}}
			for _, v := range views {
				data = append(data, []string{strconv.Itoa(v.ModID), v.ModName, string(v.State), v.InstalledPath, oneLine(v.Error)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only list modules in these states")
	return cmd
}

func (a *app) showModule(cmd *cobra.Command, v module.View) error {
	if a.jsonOut {
		return a.print(cmd, v)
	}
	data := pterm.TableData{
		{"ID", strconv.Itoa(v.ModID)},
		{"Name", v.ModName},
		{"State", string(v.State)},
		{"Installed path", v.InstalledPath},
		{"Source", v.SourceLocation.Type + ":" + v.SourceLocation.Path},
		{"Error", v.Error},
	}
	return pterm.DefaultTable.WithData(data).Render()
}

func oneLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
