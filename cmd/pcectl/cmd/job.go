package cmd

import (
	"pce/internal/job"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func jobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Launch and inspect jobs on this PCE",
	}
	cmd.AddCommand(
		jobLaunchCmd(a),
		jobStatusCmd(a),
		jobDeleteCmd(a),
		jobListCmd(a),
	)
	return cmd
}

func jobLaunchCmd(a *app) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "launch <job-id> <mod-id> <username> <run-name>",
		Short: "Set up, preprocess and schedule a job",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseID("job-id", args[0])
			if err != nil {
				return err
			}
			modID, err := parseID("mod-id", args[1])
			if err != nil {
				return err
			}
			runParams, err := parseParams(params)
			if err != nil {
				return err
			}

			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			v, err := l.jobs.Launch(cmd.Context(), job.LaunchRequest{
				JobID:     jobID,
				ModID:     modID,
				Username:  args[2],
				RunName:   args[3],
				RunParams: runParams,
			})
			if err != nil {
				if v.JobID != 0 {
					a.showJob(cmd, v)
				}
				return err
			}
			return a.showJob(cmd, v)
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Run parameter as section.key=value (repeatable)")
	return cmd
}

func jobStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Refresh a job from the scheduler and show it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseID("job-id", args[0])
			if err != nil {
				return err
			}
			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			v, err := l.jobs.Status(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			return a.showJob(cmd, v)
		},
	}
}

func jobDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Cancel and delete a job, or mark it for deletion while a stage runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseID("job-id", args[0])
			if err != nil {
				return err
			}
			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			res, err := l.jobs.Delete(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.print(cmd, map[string]any{"job_id": jobID, "result": res})
			}
			pterm.Success.Printfln("Job %d: %s", jobID, res)
			return nil
		},
	}
}

func jobListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs without refreshing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.local()
			if err != nil {
				return err
			}
			defer l.close()
			views, err := l.jobs.List(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.print(cmd, views)
			}
			data := pterm.TableData{{"ID", "MODULE", "USER", "RUN", "STATE", "SCHED #", "ERROR"}}
			for _, v := range views {
				data = append(data, []string{
					strconv.Itoa(v.JobID), strconv.Itoa(v.ModID), v.Username, v.RunName,
					string(v.State), v.SchedulerJobNum, oneLine(v.Error),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}

func (a *app) showJob(cmd *cobra.Command, v job.View) error {
	if a.jsonOut {
		return a.print(cmd, v)
	}
	data := pterm.TableData{
		{"ID", strconv.Itoa(v.JobID)},
		{"Module", strconv.Itoa(v.ModID)},
		{"User", v.Username},
		{"Run", v.RunName},
		{"Run dir", v.RunDir},
		{"State", string(v.State)},
		{"Scheduler job", v.SchedulerJobNum},
		{"Status", v.ModStatusOutput},
		{"Error", v.Error},
		{"Output", v.Output},
	}
	for _, f := range v.VisibleFiles {
		data = append(data, []string{"File", f.Name + " (" + strconv.FormatInt(f.Size, 10) + " bytes)"})
	}
	return pterm.DefaultTable.WithData(data).Render()
}
