package main

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcpchat-go/pkg/toolexec"
)

func newCallCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "call <server___tool> [json-arguments]",
		Short: "Run one tool call and print the result recorded for the model",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverID, err := toolexec.ServerIDOf(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.executor.RefreshToolMapping(cmd.Context(), serverID); err != nil {
				return err
			}
			call := toolexec.ToolCall{
				ID:       uuid.NewString(),
				Function: toolexec.FunctionCall{Name: args[0]},
			}
			if len(args) == 2 {
				call.Function.Arguments = args[1]
			}
			out, execErr := a.executor.ExecuteTool(cmd.Context(), call)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(toolexec.NewToolResult(call.ID, out, execErr)); err != nil {
				return err
			}
			return execErr
		},
	}
}
