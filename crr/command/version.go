package command

import (
	"fmt"
	"runtime"
)

const Version = "1.2.0"

var cmdVersion = &Command{
	Run:       runVersion,
	UsageLine: "version",
	Short:     "print crr version",
	Long:      `Version prints the crr version`,
}

func runVersion(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}
	fmt.Printf("version %s %s %s\n", Version, runtime.GOOS, runtime.GOARCH)
	return true
}
