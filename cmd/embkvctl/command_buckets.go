package main

import (
	"fmt"
	"strings"

	"github.com/alpoloz/embkv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newBucketsCommand() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "buckets <path> [bucket...]",
		Short: "list the sub-buckets of a bucket (or the top level)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := embkv.Open(args[0], 0o600, &embkv.Options{ReadOnly: true})
			if err != nil {
				return err
			}
			defer db.Close()

			var bucketPath []string
			if len(args) == 2 && args[1] != "" {
				bucketPath = strings.Split(args[1], ".")
			}

			return db.View(func(tx *embkv.Tx) error {
				if len(bucketPath) == 0 {
					return tx.ForEach(func(name []byte, _ *embkv.Bucket) error {
						fmt.Println(string(name))
						if recursive {
							return listBuckets(tx.Bucket(name), string(name)+"/", recursive)
						}
						return nil
					})
				}

				b, err := resolveBucket(tx, bucketPath)
				if err != nil {
					return err
				}
				return listBuckets(b, "", recursive)
			})
		},
	}

	flags := pflag.NewFlagSet("buckets", pflag.ContinueOnError)
	flags.BoolVarP(&recursive, "recursive", "r", false, "descend into every sub-bucket")
	cmd.Flags().AddFlagSet(flags)

	return cmd
}

func listBuckets(b *embkv.Bucket, prefix string, recursive bool) error {
	return b.ForEachBucket(func(name []byte) error {
		full := prefix + string(name)
		fmt.Println(full)
		if !recursive {
			return nil
		}
		child := b.Bucket(name)
		if child == nil {
			return nil
		}
		return listBuckets(child, full+"/", recursive)
	})
}

// resolveBucket walks path under tx's top-level buckets.
func resolveBucket(tx *embkv.Tx, path []string) (*embkv.Bucket, error) {
	b := tx.Bucket([]byte(path[0]))
	if b == nil {
		return nil, fmt.Errorf("bucket not found: %s", path[0])
	}
	for _, seg := range path[1:] {
		b = b.Bucket([]byte(seg))
		if b == nil {
			return nil, fmt.Errorf("bucket not found: %s", seg)
		}
	}
	return b, nil
}
