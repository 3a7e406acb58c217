package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ChamsBouzaiene/forge/internal/storage"
)

func eventsCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events <session>",
		Short: "Replay a session's journaled events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.Open(cmd.Context(), cfg.DBPath())
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := db.ListEvents(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return fmt.Errorf("no events for session %s", args[0])
			}
			if viper.GetBool("json") {
				enc := json.NewEncoder(os.Stdout)
				for _, e := range items {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Seq", "Time", "Type", "Phase", "Agent"})
			for _, e := range items {
				tw.AppendRow(table.Row{e.Seq, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, e.Phase, e.Agent})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a greater sequence number")
	return cmd
}
