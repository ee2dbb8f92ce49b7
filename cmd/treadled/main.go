package main

import (
	"context"
	"os"

	"treadle.sh/core/log"
	"treadle.sh/core/orchestrator"
)

func main() {
	ctx := log.NewContext(context.Background(), "treadled")
	err := orchestrator.Run(ctx)
	if err != nil {
		log.FromContext(ctx).Error("error running treadled", "error", err)
		os.Exit(-1)
	}
}
