package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aexvir/grab/internal/config"
)

var validateCmd = &cobra.Command{
	Use:         "validate [file]",
	Short:       "Check a config file for problems",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipconfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}

		start := time.Now()
		c, err := config.Load(path)
		if err != nil {
			return err
		}

		err = check(os.Stdout, c)
		summarize(os.Stdout, "config is valid", time.Since(start), err)
		if err != nil {
			return errors.New("invalid configuration")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// check validates the configuration and describes what it would download.
func check(out io.Writer, c *config.Config) error {
	source := c.Source
	if source == "" {
		source = "defaults and environment, no config file found"
	}
	logstep(out, fmt.Sprintf("checking %s", source))

	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Assets) == 0 {
		logdetail(out, "no assets configured, a repository has to be given on the command line")
		return nil
	}

	requests, err := c.Requests()
	if err != nil {
		return err
	}
	for _, request := range requests {
		text := request.Match.String()
		for _, step := range request.Plugins {
			text += ", " + step.String()
		}
		if request.TargetPath != "" {
			text += " to " + request.TargetPath
		}
		logdetail(out, text)
	}

	return nil
}
