package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/wpser/cmd"
	"grimm.is/wpser/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	defaultConfig := brand.DefaultConfigDir + "/" + brand.ConfigFileName

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", defaultConfig, "Configuration file")
		startFlags.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")

		iface := startFlags.String("interface", "", "Network interface (overrides config)")
		startFlags.StringVar(iface, "i", "", "Network interface (short)")

		debug := startFlags.Bool("debug", false, "Enable debug logging")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*configFile, *iface, *debug); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s start [-c config] [-i interface] [-debug]   Run the registrar in the foreground
  %s help                                        Show this help

`, brand.Name, brand.Description, brand.BinaryName, brand.BinaryName)
}
