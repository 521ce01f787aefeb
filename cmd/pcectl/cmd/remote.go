package cmd

import (
	"fmt"
	"pce/internal/pceclient"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func remoteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Server-side reconciliation against registered PCEs",
	}
	cmd.AddCommand(
		remotePCECmd(a),
		remoteRefreshJobCmd(a),
		remoteRefreshModulesCmd(a),
		remoteInstallCmd(a),
		remoteLaunchCmd(a),
		remoteWatchCmd(a),
	)
	return cmd
}

// withClient opens the Server database and builds a client on it.
func (a *app) withClient(cmd *cobra.Command, fn func(c *pceclient.Client, store pceclient.Store) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	store, err := pceclient.OpenSQLite(cmd.Context(), cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	client, err := pceclient.New(pceclient.Config{
		Store:      store,
		HTTPClient: pceclient.NewHTTPClient(cfg.Server.HTTPTimeout),
		OutputDir:  cfg.Server.OutputDir,
	})
	if err != nil {
		return err
	}
	return fn(client, store)
}

func remotePCECmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pce",
		Short: "Register and list PCEs",
	}
	add := &cobra.Command{
		Use:   "add <name> <base-url>",
		Short: "Register a PCE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(_ *pceclient.Client, store pceclient.Store) error {
				pce, err := store.AddPCE(cmd.Context(), pceclient.PCE{Name: args[0], BaseURL: args[1]})
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.print(cmd, pce)
				}
				pterm.Success.Printfln("Registered PCE %d (%s)", pce.ID, pce.BaseURL)
				return nil
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered PCEs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(_ *pceclient.Client, store pceclient.Store) error {
				pces, err := store.ListPCEs(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.print(cmd, pces)
				}
				data := pterm.TableData{{"ID", "NAME", "URL", "STATE", "UPDATED"}}
				for _, p := range pces {
					data = append(data, []string{strconv.Itoa(p.ID), p.Name, p.BaseURL, pceState(p.State), p.UpdatedAt.Format(time.RFC3339)})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
			})
		},
	}
	cmd.AddCommand(add, list)
	return cmd
}

func remoteRefreshJobCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-job <job-id>",
		Short: "Poll a job's PCE and store its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseID("job-id", args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(c *pceclient.Client, _ pceclient.Store) error {
				row, err := c.RefreshJob(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				return a.showJobRow(cmd, row)
			})
		},
	}
}

func remoteRefreshModulesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-modules <pce-id> [mod-id]",
		Short: "Poll the modules of a PCE and store their state",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pceID, err := parseID("pce-id", args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(c *pceclient.Client, _ pceclient.Store) error {
				var rows []pceclient.ModuleRow
				if len(args) == 2 {
					modID, err := parseID("mod-id", args[1])
					if err != nil {
						return err
					}
					row, err := c.RefreshModule(cmd.Context(), pceID, modID)
					if err != nil {
						return err
					}
					rows = append(rows, row)
				} else if rows, err = c.RefreshAllModules(cmd.Context(), pceID); err != nil {
					return err
				}
				return a.showModuleRows(cmd, rows)
			})
		},
	}
}

func remoteInstallCmd(a *app) *cobra.Command {
	var spec pceclient.ModuleSpec
	cmd := &cobra.Command{
		Use:   "install <pce-id> <mod-id>",
		Short: "Install and deploy a module on a PCE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pceID, err := parseID("pce-id", args[0])
			if err != nil {
				return err
			}
			modID, err := parseID("mod-id", args[1])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(c *pceclient.Client, _ pceclient.Store) error {
				row, err := c.InstallAndDeploy(cmd.Context(), pceID, modID, spec)
				if err != nil {
					return err
				}
				return a.showModuleRows(cmd, []pceclient.ModuleRow{row})
			})
		},
	}
	cmd.Flags().StringVar(&spec.ModName, "name", "", "Module name")
	cmd.Flags().StringVar(&spec.SourceLocation.Type, "source-type", "git", "Source type (local or git)")
	cmd.Flags().StringVar(&spec.SourceLocation.Path, "source-path", "", "Source path or repository URL on the PCE")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("source-path")
	return cmd
}

func remoteLaunchCmd(a *app) *cobra.Command {
	var (
		userID, workspaceID int
		data                pceclient.JobData
		params              []string
	)
	cmd := &cobra.Command{
		Use:   "launch <pce-id> <mod-id>",
		Short: "Record a job and launch it on a PCE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pceID, err := parseID("pce-id", args[0])
			if err != nil {
				return err
			}
			modID, err := parseID("mod-id", args[1])
			if err != nil {
				return err
			}
			if data.RunParams, err = parseParams(params); err != nil {
				return err
			}
			data.PCEID = pceID
			return a.withClient(cmd, func(c *pceclient.Client, _ pceclient.Store) error {
				row, err := c.LaunchJob(cmd.Context(), userID, workspaceID, modID, data)
				if err != nil {
					return err
				}
				return a.showJobRow(cmd, row)
			})
		},
	}
	cmd.Flags().IntVar(&userID, "user-id", 0, "Server user id")
	cmd.Flags().IntVar(&workspaceID, "workspace-id", 0, "Server workspace id")
	cmd.Flags().StringVar(&data.Username, "username", "", "PCE username the job runs for")
	cmd.Flags().StringVar(&data.RunName, "run-name", "", "Run name")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Run parameter as section.key=value (repeatable)")
	cmd.MarkFlagRequired("user-id")
	cmd.MarkFlagRequired("workspace-id")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("run-name")
	return cmd
}

func (a *app) showJobRow(cmd *cobra.Command, row pceclient.JobRow) error {
	if a.jsonOut {
		return a.print(cmd, row)
	}
	data := pterm.TableData{
		{"ID", strconv.Itoa(row.ID)},
		{"PCE", strconv.Itoa(row.PCEID)},
		{"Module", strconv.Itoa(row.ModID)},
		{"Run", row.RunName},
		{"State", strconv.Itoa(row.State)},
		{"Scheduler job", row.SchedulerJobNum},
		{"Error", row.Error},
		{"Output file", row.OutputPath},
		{"Stale", strconv.FormatBool(row.Stale)},
	}
	return pterm.DefaultTable.WithData(data).Render()
}

func (a *app) showModuleRows(cmd *cobra.Command, rows []pceclient.ModuleRow) error {
	if a.jsonOut {
		return a.print(cmd, rows)
	}
	data := pterm.TableData{{"PCE", "MODULE", "STATE", "STALE", "ERROR"}}
	for _, r := range rows {
		data = append(data, []string{
			strconv.Itoa(r.PCEID), strconv.Itoa(r.ModID), strconv.Itoa(r.State),
			strconv.FormatBool(r.Stale), oneLine(r.Error),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func pceState(state int) string {
	switch state {
	case pceclient.PCEReachable:
		return "reachable"
	case pceclient.Unreachable:
		return "unreachable"
	case pceclient.PCEDegraded:
		return "degraded"
	case 0:
		return "never contacted"
	default:
		return fmt.Sprintf("unknown (%d)", state)
	}
}

func remoteWatchCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll every registered PCE for module and active job state",
		Long: `watch sweeps all registered PCEs: it refreshes their modules and every job
that has not reached a final state, then waits --interval and sweeps again
until interrupted. Unreachable PCEs keep their last known state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			return a.withClient(cmd, func(c *pceclient.Client, _ pceclient.Store) error {
				ctx := cmd.Context()
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					res, err := c.Sweep(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					if err := a.showSweep(cmd, res); err != nil {
						return err
					}
					if once {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Time between sweeps")
	cmd.Flags().BoolVar(&once, "once", false, "Sweep once and exit")
	return cmd
}

func (a *app) showSweep(cmd *cobra.Command, res pceclient.SweepResult) error {
	if a.jsonOut {
		return a.print(cmd, res)
	}
	data := pterm.TableData{{"PCE", "NAME", "STATE", "BREAKER", "MODULES", "JOBS", "FAILED", "ERROR"}}
	for _, p := range res.PCEs {
		data = append(data, []string{
			strconv.Itoa(p.PCEID), p.Name, pceState(p.State), p.Breaker,
			strconv.Itoa(p.Modules), strconv.Itoa(p.Jobs), strconv.Itoa(p.Failed), oneLine(p.Error),
		})
	}
	pterm.Info.Printfln("Sweep at %s: %d of %d circuits open", time.Now().Format(time.RFC3339), res.Breakers.Open, res.Breakers.Total)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
