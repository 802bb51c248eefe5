package tui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive palette; lipgloss drops colour when NO_COLOR is set.
var (
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
	colorBgAlt   = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
	colorFgDim   = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
)

var (
	styleUser    = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	styleBot     = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleSystem  = lipgloss.NewStyle().Foreground(colorMuted).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleTitle   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Padding(0, 1)
	styleStatus  = lipgloss.NewStyle().Foreground(colorFgDim).Background(colorBgAlt).Padding(0, 1)
	stylePrompt  = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
)

// Glyphs fall back to ASCII when the locale is not UTF-8 or
// PAGECHAT_ASCII_SYMBOLS is set.
var (
	symbolError   = "✗"
	symbolWarning = "⚠"
	symbolBullet  = "•"
	symbolRule    = "─"
)

func init() {
	if !unicodeTerminal() {
		symbolError, symbolWarning, symbolBullet, symbolRule = "[ERR]", "[!]", "*", "-"
	}
}

func unicodeTerminal() bool {
	if v := os.Getenv("PAGECHAT_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		return strings.Contains(val, "utf-8") || strings.Contains(val, "utf8")
	}
	return true
}

func divider(width int) string {
	return lipgloss.NewStyle().Foreground(colorBorder).Render(strings.Repeat(symbolRule, max(width, 0)))
}
