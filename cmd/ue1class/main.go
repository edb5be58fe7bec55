// Command ue1class drives a live UE1 lesson from a terminal, as the teacher
// or as a student, against a running ue1live service.
package main

import (
	"fmt"
	"os"
	"time"
)

func main() {
	cli := &commandLine{
		in:      os.Stdin,
		out:     newSyncWriter(os.Stdout),
		connect: connectRemote,
		now:     time.Now,
	}
	if err := cli.run(os.Args); err != nil {
		if err == errHelp {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
