package validation

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// minDetectRunes keeps very short descriptions from producing noise.
const minDetectRunes = 20

// DetectLanguage returns the ISO 639-1 code of text, or "" when detection is
// unreliable.
func DetectLanguage(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) < minDetectRunes {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
