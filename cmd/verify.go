package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nexus/config"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify that the configuration is valid",
	Long:  `Verify parses and validates the HCL configuration files. Path can be a file or directory.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadAndValidate(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var warnings []string
		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Server: %s (origin %s)\n", cfg.Server.Addr, cfg.Server.Origin)
		fmt.Printf("Storage: %s\n", cfg.Storage.Backend)
		fmt.Printf("Artifacts: %s (fallbacks: %v)\n", cfg.Artifacts.RunRoot, cfg.Artifacts.FallbackDirs)
		fmt.Printf("Browser: %s (headless: %t)\n", cfg.Browser.BrowserType, *cfg.Browser.Headless)

		fmt.Printf("Found %d variable(s)\n", len(cfg.Variables))
		for _, v := range cfg.Variables {
			resolved, _ := config.ResolveVariableValue(&v)
			switch {
			case v.Secret && resolved != "":
				fmt.Printf("  - %s (secret, set)\n", v.Name)
			case v.Secret:
				fmt.Printf("  - %s (secret, not set)\n", v.Name)
			default:
				fmt.Printf("  - %s = %q\n", v.Name, resolved)
			}
			if resolved == "" && v.Default == "" {
				warnings = append(warnings, fmt.Sprintf("variable '%s' has no default and no value set", v.Name))
			}
		}

		engines := config.AllEngines(cfg.Models)
		fmt.Printf("Found %d engine(s)\n", len(engines))
		for _, e := range engines {
			key := "system key"
			if e.APIKey == "" {
				key = "no system key"
				warnings = append(warnings, fmt.Sprintf("engine '%s' needs a user API key", e.ID))
			}
			fmt.Printf("  - %s (provider: %s, model: %s, planning: %s, %s)\n", e.ID, e.Provider, e.APIModel, e.Planning, key)
		}
		if def, ok := cfg.DefaultEngine(); ok {
			fmt.Printf("Default engine: %s\n", def.ID)
		} else if len(engines) > 0 {
			warnings = append(warnings, "no default engine could be resolved")
		}
		if cfg.Summarizer != nil {
			fmt.Printf("Summarizer: %s (temperature %.1f, max tokens %d)\n", cfg.Summarizer.Model, cfg.Summarizer.Temperature, cfg.Summarizer.MaxTokens)
		}

		if len(warnings) > 0 {
			fmt.Printf("\nWarnings:\n")
			for _, w := range warnings {
				fmt.Printf("  - %s\n", w)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
