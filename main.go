package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// 版本資訊 (由 ldflags 注入)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	err := Execute()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// 收到中斷信號時結束
		os.Exit(130)
	default:
		fmt.Fprintf(os.Stderr, "pollbridge: %v\n", err)
		os.Exit(1)
	}
}
