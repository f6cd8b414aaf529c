package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opendg-project/buildci/pkg/hostinfo"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "CLI configuration",
	Long:  `Commands for inspecting and initialising the CLI configuration in $HOME/.buildci/config.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective CLI configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long:  `Write a starter config file to $HOME/.buildci/config with the current server URL. An existing file is not overwritten.`,
	RunE:  runConfigInit,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Long:  `Set a configuration key in $HOME/.buildci/config. Supported keys: server_url, api_key, output.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	keyState := "not set"
	if apiKey != "" {
		keyState = "set"
	}

	settings := map[string]interface{}{
		"server_url": GetServerURL(),
		"output":     outputFormat,
		"api_key":    keyState,
	}
	settings["host"] = hostinfo.Collect()

	if IsJSONOutput() {
		output, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	output, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	fmt.Print(string(output))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to find home directory: %w", err)
	}

	configDir := filepath.Join(home, ".buildci")
	configPath := filepath.Join(configDir, "config")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf("server_url: %s\n# api_key: <bearer token>\n", GetServerURL())
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	switch key {
	case "server_url", "api_key", "output":
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to find home directory: %w", err)
	}
	configDir := filepath.Join(home, ".buildci")
	configPath := filepath.Join(configDir, "config")

	settings := make(map[string]interface{})
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("failed to parse existing config: %w", err)
		}
	}
	settings[key] = value

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Set %s in %s\n", key, configPath)
	return nil
}
