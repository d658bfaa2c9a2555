// Package main is the entry point for the agendador session CLI.
package main

import (
	"os"

	"github.com/DanielMarcoD/agendador/cmd/agendador/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
