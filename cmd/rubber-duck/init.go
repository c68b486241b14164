// ABOUTME: init command: writes a starter configuration file from interactive prompts
// ABOUTME: Produces one duck with a single tutor agent and optional feedback review

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("rubber-duck configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Matrix ---")
	homeserver := prompt(reader, "Homeserver URL", "https://matrix.org")
	userID := prompt(reader, "Bot user ID", "@duck:matrix.org")

	fmt.Println("\n--- Duck ---")
	duckName := prompt(reader, "Duck name", "duck")
	channelID := prompt(reader, "Room ID to listen in", "")
	reviewID := prompt(reader, "Feedback review room ID (leave empty to disable)", "")

	fmt.Println("\n--- Backend ---")
	model := prompt(reader, "Model", "gpt-4.1")

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# rubber-duck configuration\n")
	cfg.WriteString("# Generated by rubber-duck init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", filepath.Join(defaultDataPath, "duck.db")))
	cfg.WriteString(fmt.Sprintf("  state_path: %q\n\n", filepath.Join(defaultDataPath, "state.db")))

	cfg.WriteString("matrix:\n")
	cfg.WriteString(fmt.Sprintf("  homeserver: %q\n", homeserver))
	cfg.WriteString(fmt.Sprintf("  user_id: %q\n", userID))
	cfg.WriteString("  access_token: \"${DUCK_MATRIX_TOKEN}\"\n\n")

	cfg.WriteString("ai:\n")
	cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  - name: \"Tutor\"\n")
	cfg.WriteString(fmt.Sprintf("    model: %q\n", model))
	cfg.WriteString("    instructions: \"Help the student reason through the problem. Ask questions before giving answers.\"\n")
	cfg.WriteString("    tools: [\"note_set\", \"note_get\", \"note_list\", \"current_time\"]\n\n")

	cfg.WriteString("ducks:\n")
	cfg.WriteString(fmt.Sprintf("  - name: %q\n", duckName))
	cfg.WriteString(fmt.Sprintf("    channel_id: %q\n", channelID))
	cfg.WriteString("    agents: [\"Tutor\"]\n")
	cfg.WriteString("    timeout: \"10m\"\n\n")

	if reviewID != "" {
		cfg.WriteString("feedback:\n")
		cfg.WriteString(fmt.Sprintf("  - channel_id: %q\n", channelID))
		cfg.WriteString(fmt.Sprintf("    review_channel_id: %q\n\n", reviewID))
	}

	cfg.WriteString("server:\n")
	cfg.WriteString("  http_addr: \"localhost:8080\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(defaultDataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", defaultDataPath)
	fmt.Println("\nSet DUCK_MATRIX_TOKEN and OPENAI_API_KEY, then start the assistant:")
	fmt.Println("  rubber-duck serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}
