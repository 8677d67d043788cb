package common

import "fmt"

// Assert checks a condition and panics if it is false.
//
// Assertions guard invariants of the engine's own data structures (a negative pin count, two exclusive holders on
// one page). Breaking one means the engine itself is wrong, and continuing would risk corrupting data, so it is better
// to crash with a stack trace pointing at the broken logic.
//
// Do not use it to validate user input or to handle I/O failures; return an error instead.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
