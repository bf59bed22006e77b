package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashmap-kz/pgbasebackup/cmd"
	"github.com/hashmap-kz/pgbasebackup/internal/basebackup"
)

func main() {
	err := cmd.App().Run(context.Background(), os.Args)
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "pgbasebackup: %v\n", err)

	var usageErr *basebackup.UsageError
	if errors.As(err, &usageErr) {
		os.Exit(2)
	}
	os.Exit(1)
}
