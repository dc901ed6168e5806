package main

import (
	"fmt"
	"strings"

	"github.com/alpoloz/embkv"
	"github.com/spf13/cobra"
)

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <path> <bucket...> <key>",
		Short: "print the value stored for key in a bucket",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := embkv.Open(args[0], 0o600, &embkv.Options{ReadOnly: true})
			if err != nil {
				return err
			}
			defer db.Close()

			bucketPath := strings.Split(args[1], ".")
			key := args[2]

			return db.View(func(tx *embkv.Tx) error {
				b, err := resolveBucket(tx, bucketPath)
				if err != nil {
					return err
				}
				v := b.Get([]byte(key))
				if v == nil {
					return fmt.Errorf("key not found: %s", key)
				}
				fmt.Println(string(v))
				return nil
			})
		},
	}
	return cmd
}
