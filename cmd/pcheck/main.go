package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/parallel-checker/internal/cli"
)

func main() {
	err := cli.BuildCLI().Execute()

	var exitErr *cli.ExitCodeError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.ExitCode(err))
}
