package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// SessionConfig describes a tracing session.  Values given on the command
// line override the ones loaded from the session file.
type SessionConfig struct {
	Program string   `yaml:"program"`
	Args    []string `yaml:"args"`

	// Addresses (e.g., 0x401000) or function symbol names.
	BreakPoints []string `yaml:"break-points"`

	// Print every break point hit until the program exits instead of
	// starting the interactive prompt.
	Run bool `yaml:"run"`

	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output"`
}

func LoadSessionConfig(path string) (*SessionConfig, error) {
	if path == "" {
		return &SessionConfig{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	config, err := parseSessionConfig(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}

	return config, nil
}

func parseSessionConfig(content []byte) (*SessionConfig, error) {
	config := &SessionConfig{}

	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)

	err := decoder.Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return config, nil
}

// ApplyFlags merges explicitly set command line flags and the positional
// program arguments into the config.
func (config *SessionConfig) ApplyFlags(
	flags *pflag.FlagSet,
	args []string,
) error {
	if len(args) > 0 {
		config.Program = args[0]
		config.Args = args[1:]
	}

	if flags.Changed("break") {
		values, err := flags.GetStringSlice("break")
		if err != nil {
			return err
		}
		config.BreakPoints = append(config.BreakPoints, values...)
	}

	if flags.Changed("run") {
		value, err := flags.GetBool("run")
		if err != nil {
			return err
		}
		config.Run = value
	}

	if flags.Changed("log") {
		value, err := flags.GetBool("log")
		if err != nil {
			return err
		}
		config.Log = value
	}

	if flags.Changed("log-output") {
		value, err := flags.GetString("log-output")
		if err != nil {
			return err
		}
		config.LogOutput = value
	}

	if config.Program == "" {
		return fmt.Errorf("no program specified")
	}

	return nil
}
