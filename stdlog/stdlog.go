/*
Package stdlog provides a minimal logging interface so that any logging
implementation can be plugged into this library.
*/
package stdlog

// StdLog is a minimal interface implemented by nearly every logging package.
// All logging in this library goes through this interface, which allows the
// application to supply any logging package desired.
type StdLog interface {
	// Print logs a message.  Arguments are handled in the manner of fmt.Print.
	Print(v ...interface{})

	// Println logs a message.  Arguments are handled in the manner of
	// fmt.Println.
	Println(v ...interface{})

	// Printf logs a message.  Arguments are handled in the manner of
	// fmt.Printf.
	Printf(format string, v ...interface{})
}
