package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	api "compute-queue/internal/api"
)

func submitCmd() *cobra.Command {
	var req api.SubmitRequest
	var primaryFile, secondaryFile, auxFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job from input files",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.PrimaryInput, err = readInput(primaryFile); err != nil {
				return err
			}
			if req.SecondaryInput, err = readInput(secondaryFile); err != nil {
				return err
			}
			if req.AuxiliarySpec, err = readInput(auxFile); err != nil {
				return err
			}
			id, err := client().Submit(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&primaryFile, "primary", "", "primary input file")
	cmd.Flags().StringVar(&secondaryFile, "secondary", "", "secondary input file")
	cmd.Flags().StringVar(&auxFile, "aux", "", "auxiliary spec file")
	cmd.Flags().StringVar(&req.Label, "label", "", "job label")
	cmd.Flags().StringVar(&req.Email, "email", "", "notification address")
	cmd.Flags().BoolVar(&req.Hidden, "hidden", false, "hide the job from the public listing")
	_ = cmd.MarkFlagRequired("primary")
	_ = cmd.MarkFlagRequired("secondary")
	_ = cmd.MarkFlagRequired("aux")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the status text of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := client().Job(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List public jobs in queue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			views, err := client().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTATUS\tSUBMITTED")
			for _, v := range views {
				submitted := "-"
				if v.SubmittedDate != nil {
					submitted = v.SubmittedDate.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.JobID, v.Label, v.Status, submitted)
			}
			return w.Flush()
		},
	}
}

func resultCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "result <job-id> <primary|secondary>",
		Short: "Download an output artifact of a completed job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, name, err := client().Result(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("result: %w", err)
			}
			if out == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if out == "" {
				out = name
			}
			if out == "" {
				out = args[0] + "-" + args[1]
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", `output file ("-" for stdout, default: server-suggested name)`)
	return cmd
}

func readInput(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
