package main

import (
	"context"
	"os"

	"envwatch/internal/cmd"
)

func main() {
	if err := cmd.NewRoot().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
