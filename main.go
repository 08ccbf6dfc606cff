package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/shardexec/shardexec/cmd"
)

func main() {
	app := cli.NewApp()
	app.Name = "shardexec"
	app.Usage = "Sharded RISC-V execution engine"
	app.Description = "Executes RISC-V guest programs and partitions execution into fixed-size shards for parallel proving."
	app.Commands = []*cli.Command{
		cmd.LoadELFCommand,
		cmd.RunCommand,
		cmd.WitnessCommand,
		cmd.BenchCommand,
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			<-c
			cancel()
			fmt.Println("\r\nExiting...")
		}
	}()

	err := app.RunContext(ctx, os.Args)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			_, _ = fmt.Fprintf(os.Stderr, "command interrupted")
			os.Exit(130)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v", err)
			os.Exit(1)
		}
	}
}
