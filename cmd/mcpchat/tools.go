package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcpchat-go/pkg/toolexec"
)

func newToolsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools [server-id...]",
		Short: "Fetch and print the namespaced tool catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.executor.RefreshToolMapping(cmd.Context(), args...); err != nil {
				return err
			}
			return printTools(cmd.OutOrStdout(), v.GetString(flagOutput), a.executor.Snapshot())
		},
	}
	cmd.Flags().StringP(flagOutput, "o", "table", "output format (table or json)")
	_ = v.BindPFlag(flagOutput, cmd.Flags().Lookup(flagOutput))
	return cmd
}

func printTools(w io.Writer, format string, tools []toolexec.Tool) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSERVER\tDESCRIPTION")
		for _, tool := range tools {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", tool.Name, tool.ServerID, tool.Description)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
