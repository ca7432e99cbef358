package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aexvir/grab/internal/config"
)

var (
	initForce    bool
	initTemplate string
)

var initCmd = &cobra.Command{
	Use:         "init [owner/repo]",
	Short:       "Write a starter grab.yaml in the working directory",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipconfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var repo string
		if len(args) == 1 {
			repo = args[0]
		}

		path, err := config.WriteTemplate(".", initTemplate, repo, initForce)
		if err != nil {
			return err
		}

		logstep(os.Stdout, fmt.Sprintf("wrote %s from the %s template", path, initTemplate))
		logdetail(os.Stdout, "edit the assets and run grab")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")
	initCmd.Flags().StringVar(&initTemplate, "template", "simple", "template to start from: "+strings.Join(config.Templates, ", "))
	rootCmd.AddCommand(initCmd)
}
