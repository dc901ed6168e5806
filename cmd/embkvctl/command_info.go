package main

import (
	"fmt"

	"github.com/alpoloz/embkv"
	"github.com/spf13/cobra"
)

func newInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <path>",
		Short: "print meta and freelist summary for a database file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := embkv.Open(args[0], 0o600, &embkv.Options{ReadOnly: true})
			if err != nil {
				return err
			}
			defer db.Close()

			info := db.Info()
			fmt.Printf("path:            %s\n", info.Path)
			fmt.Printf("page size:       %d\n", info.PageSize)
			fmt.Printf("tx id:           %d\n", info.TxID)
			fmt.Printf("root bucket:     %d\n", info.RootBucket)
			fmt.Printf("high water pgid: %d\n", info.HighWaterPgid)
			fmt.Printf("free pages:      %d\n", info.FreePageN)
			fmt.Printf("pending pages:   %d\n", info.PendingPageN)
			return nil
		},
	}
	return cmd
}
