// Command systat shows battery, volume and network status in the system tray.
package main

import (
	"io"
	"os"

	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/internal/logger"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stderr))
}

// execute runs the command line args and returns the exit status: 0 once
// the tray event stream ends, 1 on any failure, whose chain goes to stderr.
func execute(args []string, stderr io.Writer) int {
	cmd := NewCmdRoot()
	cmd.SetArgs(args)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	logger.CloseFileWriter()

	if err != nil {
		fault.Print(stderr, err)
		return 1
	}

	return 0
}
