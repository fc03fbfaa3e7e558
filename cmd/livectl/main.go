// Command livectl drives a running live-notifier daemon over its HTTP action API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
