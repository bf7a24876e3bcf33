// Command ragent is a retrieval-augmented chat assistant over a local
// document corpus. It ingests a directory into a vector index and answers
// questions in a REPL, one-shot, or over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragent/cmd/ragent/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
