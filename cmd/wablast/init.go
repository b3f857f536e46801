package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/api"
)

var (
	initOutput     string
	initGatewayURL string
	initGatewayKey string
	initAPIKey     string
	initHashKey    bool
	initDataDir    string
	initTimezone   string
	initMetrics    bool
	initForce      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize wablast configuration",
	Long: `Interactive wizard to create a wablast configuration file.

Examples:
  # Interactive mode - prompts for missing values
  wablast init

  # Non-interactive with all flags
  wablast init --gateway-url http://127.0.0.1:3000 --timezone Asia/Jakarta -o /etc/wablast/config.yaml

  # Store only the bcrypt hash of the generated API key
  wablast init --gateway-url http://127.0.0.1:3000 --hash-key`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initGatewayURL, "gateway-url", "", "WhatsApp gateway base URL")
	initCmd.Flags().StringVar(&initGatewayKey, "gateway-key", "", "WhatsApp gateway API key")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initHashKey, "hash-key", false, "Write api_key_hash instead of the API key in clear")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/wablast", "Data directory for the database")
	initCmd.Flags().StringVar(&initTimezone, "timezone", "", "Timezone the trigger runs in (default: UTC)")
	initCmd.Flags().BoolVar(&initMetrics, "metrics", false, "Enable the Prometheus endpoint")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("wablast Configuration Wizard")
	fmt.Println("============================")
	fmt.Println()

	if initGatewayURL == "" {
		initGatewayURL = prompt(reader, "WhatsApp gateway URL", "http://127.0.0.1:3000")
	}
	if initGatewayKey == "" {
		initGatewayKey = prompt(reader, "Gateway API key (empty for none)", "")
	}

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initTimezone == "" {
		initTimezone = prompt(reader, "Timezone", "UTC")
	}

	if !initMetrics {
		answer := prompt(reader, "Enable Prometheus metrics? [y/N]", "n")
		initMetrics = strings.ToLower(answer) == "y" || strings.ToLower(answer) == "yes"
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	keyHash := ""
	if initHashKey {
		hash, err := api.HashAPIKey(initAPIKey)
		if err != nil {
			return fmt.Errorf("failed to hash API key: %w", err)
		}
		keyHash = hash
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(keyHash)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// generateConfig renders the config file. With keyHash set only the hash is written.
func generateConfig(keyHash string) string {
	apiKeyLine := fmt.Sprintf(`api_key: "%s"`, initAPIKey)
	if keyHash != "" {
		apiKeyLine = fmt.Sprintf(`api_key_hash: "%s"`, keyHash)
	}

	return fmt.Sprintf(`# wablast configuration
# Generated by: wablast init

api:
  listen_addr: ":8080"
  %s
  max_header_bytes: 1048576  # 1 MB
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

gateway:
  url: "%s"
  api_key: "%s"
  timeout: 30s

scheduler:
  trigger: "@every 1m"
  grace: 10m
  timezone: "%s"

dispatch:
  workers: 4
  max_per_minute: 20      # per-device burst guard, 0 = off
  send_timeout: 30s
  throttle_retries: 3
  feedback_window: 50

# Uncomment to replace the built-in pacing tiers
# pacing:
#   tiers:
#     - max_targets: 50
#       delay_seconds: 5
#       batch_size: 25
#       pause_seconds: 60

rate_limit:
  enabled: true
  global:
    messages_per_hour: 2000
    messages_per_day: 20000
  default_device:
    messages_per_hour: 200
    messages_per_day: 1000

metrics:
  enabled: %t
  listen_addr: ":9090"
  path: "/metrics"
  allowed_ips:
    - "127.0.0.1"

storage:
  path: "%s/wablast.db"

logging:
  level: "info"
  format: "json"
`,
		apiKeyLine,
		initGatewayURL,
		initGatewayKey,
		initTimezone,
		initMetrics,
		initDataDir,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Check the gateway is reachable:")
	fmt.Printf("   wablast test gateway -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   wablast serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Preview the pacing of a broadcast:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/plan \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println(`     -d '{"targets": 300, "delay_type": "auto"}'`)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key: %s\n", initAPIKey)
	fmt.Println()
}
