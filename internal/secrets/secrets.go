package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Lookup reads a credential from the environment.
// NAME_FILE (Docker secrets pattern) wins over NAME; an unset credential returns "".
func Lookup(envKey string) (string, error) {
	if filePath := os.Getenv(envKey + "_FILE"); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("read secret file %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(os.Getenv(envKey)), nil
}

// Resolve keeps an already configured value and otherwise falls back to Lookup.
// Unreadable secret files resolve to "" so the owning channel is reported as unconfigured.
func Resolve(current, envKey string) string {
	if current != "" {
		return current
	}
	value, err := Lookup(envKey)
	if err != nil {
		return ""
	}
	return value
}
