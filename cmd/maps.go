package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"nexus/agent"
	"nexus/store"
)

var (
	mapsUser        string
	mapsName        string
	mapsDescription string
	mapsTags        []string
	mapsPublic      bool
	mapsQuery       string
	mapsLimit       int
)

var mapsCmd = &cobra.Command{
	Use:   "maps",
	Short: "Manage stored YAML maps",
	Long:  `Import, list and inspect the YAML scripts referenced in prompts as "/yaml <id>".`,
}

func openStores() *store.Bundle {
	cfg := loadConfig()
	stores, err := store.NewBundle(&cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	return stores
}

var mapsImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a YAML script as a map",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		script, err := agent.ParseScript(string(data))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		name := mapsName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}

		stores := openStores()
		defer stores.Close()
		id, err := stores.YamlMaps.CreateYamlMap(store.YamlMap{
			UserID:      mapsUser,
			Name:        name,
			Description: mapsDescription,
			URL:         script.StartURL(),
			Tags:        mapsTags,
			YAML:        string(data),
			IsPublic:    mapsPublic,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Imported '%s' as %s\n", name, id)
		fmt.Printf("Run it with: /yaml %s\n", id)
	},
}

var mapsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List maps visible to a user",
	Run: func(cmd *cobra.Command, args []string) {
		stores := openStores()
		defer stores.Close()
		maps, err := stores.YamlMaps.SearchYamlMaps(mapsUser, mapsQuery, mapsLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(maps) == 0 {
			fmt.Println("No maps found")
			return
		}
		for _, m := range maps {
			visibility := "private"
			if m.IsPublic {
				visibility = "public"
			}
			fmt.Printf("%s  %-30s  %-7s  used %d", m.ID, m.Name, visibility, m.UsageCount)
			if len(m.Tags) > 0 {
				fmt.Printf("  [%s]", strings.Join(m.Tags, ", "))
			}
			fmt.Println()
		}
	},
}

var mapsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a map's YAML",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		stores := openStores()
		defer stores.Close()
		m, err := stores.YamlMaps.GetYamlMap(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("# %s (%s)\n", m.Name, m.ID)
		if m.Description != "" {
			fmt.Printf("# %s\n", m.Description)
		}
		fmt.Println(strings.TrimRight(m.YAML, "\n"))
	},
}

func init() {
	rootCmd.AddCommand(mapsCmd)
	mapsCmd.AddCommand(mapsImportCmd)
	mapsCmd.AddCommand(mapsListCmd)
	mapsCmd.AddCommand(mapsShowCmd)

	mapsCmd.PersistentFlags().StringVar(&mapsUser, "user", "cli", "Owning user id")
	mapsImportCmd.Flags().StringVar(&mapsName, "name", "", "Map name (defaults to the file name)")
	mapsImportCmd.Flags().StringVar(&mapsDescription, "description", "", "Map description")
	mapsImportCmd.Flags().StringSliceVar(&mapsTags, "tag", nil, "Tag (repeatable)")
	mapsImportCmd.Flags().BoolVar(&mapsPublic, "public", false, "Make the map visible to every user")
	mapsListCmd.Flags().StringVarP(&mapsQuery, "query", "q", "", "Filter by name, description or tag")
	mapsListCmd.Flags().IntVar(&mapsLimit, "limit", 50, "Maximum number of maps")
}
