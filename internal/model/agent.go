package model

import "fmt"

// MaxNameLen bounds session IDs, agent names and tool names.
const MaxNameLen = 255

// ValidateAgentName checks that an agent name conforms to the allowed format.
// Agent names must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, colons and @ signs.
func ValidateAgentName(name string) error {
	return validateName("agent", name)
}

// ValidateSessionID checks a session identifier with the same rules as agent
// names. There is no implicit default session: an empty ID is an error.
func ValidateSessionID(id string) error {
	return validateName("session_id", id)
}

// ValidateToolName checks a tool name with the same rules as agent names.
func ValidateToolName(name string) error {
	return validateName("tool", name)
}

func validateName(field, v string) error {
	if len(v) == 0 {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > MaxNameLen {
		return fmt.Errorf("%s must be at most %d characters", field, MaxNameLen)
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' && c != ':' {
			return fmt.Errorf("%s contains invalid character at position %d: %q", field, i, c)
		}
	}
	return nil
}
