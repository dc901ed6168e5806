// Command embkvctl inspects and edits embkv database files from the
// shell: printing meta/page summaries, walking buckets, and getting or
// setting individual keys.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
