// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd holds the process entry point's cobra command tree.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ioloop/ioloop/common"
)

var rootCmd = &cobra.Command{
	Use:     common.App,
	Short:   "ioloop is an event-driven TCP server framework",
	Version: common.Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 {
			return fmt.Errorf("%q is not a %s command\nSee '%s --help'", args[0], common.App, common.App)
		}
		return cmd.Help()
	},
}

// Execute runs the root command, returning any error a subcommand produced.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
