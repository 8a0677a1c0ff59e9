package main

import (
	"os"

	"github.com/telhawk-systems/telhawk-syslog/cmd/syslogd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
