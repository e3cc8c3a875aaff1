package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/viewin/viewin-agent/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage viewin-agent configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Print the resolved configuration of the active profile. With --origins each
setting is listed with where its value came from: default, inherited (from
the default profile), profile-specific or global.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withOrigins, _ := cmd.Flags().GetBool("origins")

		shown := *cfg
		if shown.API.Token != "" {
			shown.API.Token = "********"
		}

		out, err := yaml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}

		fmt.Printf("# profile: %s\n", cfg.Profile)
		if !withOrigins {
			fmt.Print(string(out))
			return nil
		}

		var tree map[string]any
		if err := yaml.Unmarshal(out, &tree); err != nil {
			return fmt.Errorf("error reading config: %w", err)
		}
		values := make(map[string]any)
		flatten("", tree, values)

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %v %s\n", k, values[k], getOriginIndicator(cfg.Origins[k]))
		}
		return nil
	},
}

var configProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List configuration profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := config.Profiles(cfgFile)
		if err != nil {
			return err
		}
		for _, name := range names {
			marker := " "
			if name == cfg.Profile {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use PROFILE",
	Short: "Set the active configuration profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.LoadWithProfile(cfgFile, args[0]); err != nil {
			return fmt.Errorf("profile %s is not usable: %w", args[0], err)
		}
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile: %s\n", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("origins", false, "show where each value comes from")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configProfilesCmd)
	configCmd.AddCommand(configUseCmd)
}

// flatten turns a nested mapping into dotted keys
func flatten(prefix string, tree map[string]any, out map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// getOriginIndicator returns a formatted indicator for a setting's origin
func getOriginIndicator(origin string) string {
	switch origin {
	case config.OriginInherited:
		return "[inherited]"
	case config.OriginProfile:
		return "[profile-specific]"
	case config.OriginGlobal:
		return "[global]"
	case config.OriginDefault:
		return "[default]"
	default:
		return "[unknown]"
	}
}
