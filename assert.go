package embkv

import "fmt"

// _assert panics with a formatted message if cond is false. Used for
// invariants that indicate a programming error rather than a condition
// callers should recover from.
func _assert(cond bool, msg string, v ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("embkv: assertion failed: "+msg, v...))
	}
}
