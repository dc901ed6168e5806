package main

import (
	"strings"

	"github.com/alpoloz/embkv"
	"github.com/spf13/cobra"
)

func newPutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <path> <bucket...> <key> <value>",
		Short: "set a key's value, creating any missing buckets along the path",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := embkv.Open(args[0], 0o600, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			bucketPath := strings.Split(args[1], ".")
			key, value := args[2], args[3]

			return db.Update(func(tx *embkv.Tx) error {
				b, err := tx.CreateBucketIfNotExists([]byte(bucketPath[0]))
				if err != nil {
					return err
				}
				for _, seg := range bucketPath[1:] {
					b, err = b.CreateBucketIfNotExists([]byte(seg))
					if err != nil {
						return err
					}
				}
				_, err = b.Put([]byte(key), []byte(value), true)
				return err
			})
		},
	}
	return cmd
}
