package pipeline

import (
	"strings"

	"github.com/apxproxy/apx/internal/v1/codec"
)

// messagePart builds one entry of a PrintJSON's "data" array.
func messagePart(text, color string) codec.Command {
	part := codec.Command{"text": text}
	if color != "" {
		part["type"] = "color"
		part["color"] = color
	}
	return part
}

// synthesizedPrintJSON builds a single-command PrintJSON frame the pipeline
// sends directly to the client, never touching upstream.
func synthesizedPrintJSON(text, color string) []codec.Command {
	return []codec.Command{
		{
			"cmd":  "PrintJSON",
			"data": []codec.Command{messagePart(text, color)},
		},
	}
}

const (
	colorRed   = "red"
	colorGreen = "green"
)

func tooLongMessageNotice() []codec.Command {
	return synthesizedPrintJSON("Your message is too long. Please reconsider.", colorRed)
}

func countdownDeniedNotice() []codec.Command {
	return synthesizedPrintJSON("Starting countdowns is not allowed. This attempt has been logged.", colorRed)
}

func noTextWelcomeNotice() []codec.Command {
	return synthesizedPrintJSON("Connected to APX proxy (NoText mode)", colorGreen)
}

const maxSayLength = 2000

// isAdminNoise applies the §4.6 heuristics that suppress administrative
// PrintJSON chatter from reaching the client in LoggedIn state.
func isAdminNoise(cmd codec.Command) bool {
	switch codec.StringField(cmd, "type", "") {
	case "Join":
		if codec.ContainsString(codec.StringSliceField(cmd, "tags"), "Admin") {
			return true
		}
	case "Part":
		if printJSONTextContains(cmd, "'Admin'") {
			return true
		}
	case "ItemCheat":
		return true
	case "":
		if printJSONTextContains(cmd, "Cheat console") {
			return true
		}
	}
	return false
}

// printJSONTextContains concatenates every "text" field in a PrintJSON's
// data array and checks for substr. Best-effort: malformed shapes never
// match.
func printJSONTextContains(cmd codec.Command, substr string) bool {
	raw, ok := cmd["data"]
	if !ok {
		return false
	}
	parts, ok := raw.([]any)
	if !ok {
		return false
	}

	var combined string
	for _, p := range parts {
		obj, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := obj["text"].(string); ok {
			combined += text
		}
	}
	return strings.Contains(combined, substr)
}
