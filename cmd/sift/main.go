package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	tlog "github.com/siftdata/sift/log"
	"github.com/siftdata/sift/sift"
)

func main() {
	cmd := &cli.Command{
		Name:  "sift",
		Usage: "row transformation and workflow execution service",
		Commands: []*cli.Command{
			sift.Command(),
		},
	}

	logger := tlog.New("sift")
	slog.SetDefault(logger)

	ctx := context.Background()
	ctx = tlog.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
