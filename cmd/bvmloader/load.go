// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kstacklabs/bvmloader"
)

var (
	pinDir  string
	dryRun  bool
)

var loadCmd = &cobra.Command{
	Use:   "load [object]",
	Short: "Parse, relocate and load an object's maps and programs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := &bvm.Options{PinPath: pinDir}
		if dryRun || viper.GetBool("dry_run") {
			opts.Kernel = bvm.NewFakeKernel()
		}

		obj, err := bvm.Open(args[0], opts)
		if err != nil {
			return err
		}
		defer obj.Close()

		if err := obj.Load(); err != nil {
			if lerr, ok := err.(*bvm.Error); ok && lerr.Log != "" {
				fmt.Println("-- verifier log --")
				fmt.Println(lerr.Log)
			}
			return err
		}

		fmt.Printf("loaded %s: %d maps, %d programs\n", obj.Name, len(obj.Maps), len(obj.Programs))
		return nil
	},
}

func init() {
	loadCmd.Flags().StringVar(&pinDir, "pin", "", "pin maps and programs under this directory after loading")
	loadCmd.Flags().BoolVar(&dryRun, "dry-run", false, "use an in-memory fake kernel instead of the real one")
}
