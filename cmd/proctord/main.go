package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for different failure modes
const (
	ExitSuccess = 0 // Session ran and stopped cleanly
	ExitRuntime = 1 // Session failed or shut down with errors
	ExitConfig  = 2 // Configuration could not be loaded
)

// ConfigError indicates the configuration file was missing or invalid
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var configErr *ConfigError
		if errors.As(err, &configErr) {
			os.Exit(ExitConfig)
		}
		os.Exit(ExitRuntime)
	}
}
