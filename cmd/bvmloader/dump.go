// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kstacklabs/bvmloader"
)

var (
	dumpMaps     bool
	dumpPrograms bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump [object]",
	Short: "Parse an object and print its maps and programs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		obj, err := bvm.Open(args[0], &bvm.Options{Kernel: bvm.NewFakeKernel()})
		if err != nil {
			return err
		}
		defer obj.Close()

		fmt.Printf("object: %s\n", obj.Name)
		fmt.Printf("license: %q\n", obj.License)
		fmt.Printf("kernel version: %#x\n", obj.KVer)

		if dumpMaps || !dumpPrograms {
			fmt.Printf("\nmaps (%d):\n", len(obj.Maps))
			for _, m := range obj.Maps {
				fmt.Printf("  %-20s kind=%d key=%d value=%d max=%d flags=%#x\n",
					m.Name, m.Def.Kind, m.Def.KeySize, m.Def.ValueSize, m.Def.MaxEntries, m.Def.Flags)
			}
		}

		if dumpPrograms || !dumpMaps {
			fmt.Printf("\nprograms (%d):\n", len(obj.Programs))
			for _, p := range obj.Programs {
				fmt.Printf("  %-20s kind=%d insns=%d\n", p.Name, p.Kind, len(p.Insns))
			}
		}
		return nil
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpMaps, "maps", false, "dump only maps")
	dumpCmd.Flags().BoolVar(&dumpPrograms, "programs", false, "dump only programs")
}
