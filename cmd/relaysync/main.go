package main

import (
	"fmt"
	"io"
	"os"

	"github.com/agentworkforce/relaysync/internal/cli"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := cli.NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "relaysync: %v\n", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
