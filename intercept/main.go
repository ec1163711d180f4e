package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/interceptor/intercept/cli"
	"github.com/go-appsec/interceptor/intercept/config"
	"github.com/go-appsec/interceptor/intercept/service"
)

var validCommands = []string{"serve", "version", "help"}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printRootUsage()
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = serve(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("intercept version %s\n", config.Version)
		return 0
	case "help", "--help", "-h":
		printRootUsage()
		return 0
	default:
		err = cli.UnknownCommandError(args[0], validCommands)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(args []string) error {
	flags, err := service.ParseServerFlags(args)
	if err != nil {
		return err
	}
	return service.NewServer(flags).Run(context.Background())
}

func printRootUsage() {
	fmt.Fprint(os.Stderr, `Usage: intercept <command> [options]

Commands:
  serve      Run the proxy core and its MCP endpoint
  version    Print the version

Use "intercept serve --help" for server options.
`)
}
