package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"accesssaga/accessreg"
	"accesssaga/saga"
)

// clientFlags 访问运行中实例的公共参数
type clientFlags struct {
	server  string
	timeout time.Duration
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://127.0.0.1:8080", "sagad base URL")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")
}

func (f *clientFlags) client() *apiClient {
	return newAPIClient(f.server, f.timeout)
}

func newTriggerCmd() *cobra.Command {
	var (
		flags  clientFlags
		in     accessreg.Input
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start an ACCESS_REGISTRATION saga",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exec, err := flags.client().Trigger(cmd.Context(), in, !noWait)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&in.EmployeeDocument, "document", "", "employee document number")
	cmd.Flags().StringVar((*string)(&in.AccessType), "type", string(accessreg.AccessEntry), "ENTRY or EXIT")
	cmd.Flags().StringVar(&in.Location, "location", "", "gate or door")
	cmd.Flags().StringVar(&in.DeviceID, "device", "", "reader device id")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return as soon as the saga is started")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newShowCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "show <saga-id>",
		Short: "Show one saga with its steps and state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := flags.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		flags        clientFlags
		states       string
		sagaType     string
		createdAfter string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas by state, type and creation time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if states != "" {
				query.Set("state", states)
			}
			if sagaType != "" {
				query.Set("type", sagaType)
			}
			if createdAfter != "" {
				query.Set("createdAfter", createdAfter)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			execs, err := flags.client().List(cmd.Context(), query)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), execs)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&states, "state", "", "comma separated states, e.g. IN_PROGRESS,COMPENSATING")
	cmd.Flags().StringVar(&sagaType, "type", "", "saga type")
	cmd.Flags().StringVar(&createdAfter, "created-after", "", "RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newStaleCmd() *cobra.Command {
	var (
		flags     clientFlags
		state     string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List sagas stuck in a state for longer than a threshold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			execs, err := flags.client().Stale(cmd.Context(), state, olderThan)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), execs)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&state, "state", string(saga.StateInProgress), "state to inspect")
	cmd.Flags().DurationVar(&olderThan, "older-than", 5*time.Minute, "minimum time since the last update")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "resume <saga-id>",
		Short: "Re-attach an interrupted saga to the orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := flags.client().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newCompensateCmd() *cobra.Command {
	var (
		flags  clientFlags
		reason string
	)
	cmd := &cobra.Command{
		Use:   "compensate <saga-id>",
		Short: "Abort a running saga and roll back its completed steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := flags.client().Compensate(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "recorded in the saga history")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, execs []*saga.SagaExecution) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAGA ID\tTYPE\tSTATE\tSTEPS\tUPDATED")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.SagaID, e.SagaType, e.State, len(e.Steps), e.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
