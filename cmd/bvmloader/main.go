// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bvmloader",
	Short: "A loader for relocatable objects targeting the BVM virtual machine",
	Long: `
╔╗ ╦  ╦╔╦╗  ┬  ┌─┐┌─┐┌┬┐┌─┐┬─┐
╠╩╗╚╗╔╝║║║  │  │ │├─┤ ││├┤ ├┬┘
╚═╝ ╚╝ ╩ ╩  ┴─┘└─┘┴ ┴─┴┘└─┘┴└─

	Parses, links and loads BVM relocatable objects.
`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bvmloader.yaml)")
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".bvmloader")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("bvmloader")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the loader's version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bvmloader version 0.1.0")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
