package notify

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/kick-notifier/kickapi"
)

// Placeholders accepted in custom messages and the built-in templates.
const (
	PhStreamer = "{streamer}"
	PhTitle    = "{title}"
	PhCategory = "{category}"
	PhViewers  = "{viewers}"
	PhURL      = "{url}"
	PhLanguage = "{language}"
	PhStarted  = "{started}"
)

const defaultLanguage = "en"

var templates = map[string]string{
	"en": "🔴 **{streamer}** is live on Kick!\n> {title}\nCategory: {category} · {viewers} viewers\n{url}",
	"cs": "🔴 **{streamer}** právě vysílá na Kicku!\n> {title}\nKategorie: {category} · {viewers} diváků\n{url}",
	"de": "🔴 **{streamer}** ist jetzt live auf Kick!\n> {title}\nKategorie: {category} · {viewers} Zuschauer\n{url}",
	"es": "🔴 ¡**{streamer}** está en directo en Kick!\n> {title}\nCategoría: {category} · {viewers} espectadores\n{url}",
	"pl": "🔴 **{streamer}** nadaje na żywo na Kicku!\n> {title}\nKategoria: {category} · {viewers} widzów\n{url}",
}

// Languages lists the built-in template languages.
func Languages() []string {
	return []string{"en", "cs", "de", "es", "pl"}
}

// SupportedLanguage reports whether lang has a built-in template.
func SupportedLanguage(lang string) bool {
	_, ok := templates[strings.ToLower(lang)]
	return ok
}

// Render builds the announcement for one subscriber. A non-empty customMessage
// replaces the language template; unknown languages fall back to English.
func Render(status *kickapi.StatusRecord, language, customMessage string) string {
	tmpl := strings.TrimSpace(customMessage)
	if tmpl == "" {
		var ok bool
		if tmpl, ok = templates[strings.ToLower(language)]; !ok {
			tmpl = templates[defaultLanguage]
		}
	}
	return placeholderReplacer(status, language).Replace(tmpl)
}

func placeholderReplacer(st *kickapi.StatusRecord, language string) *strings.Replacer {
	started := "just now"
	if !st.StartedAt.IsZero() && time.Since(st.StartedAt) > time.Minute {
		started = humanize.Time(st.StartedAt)
	}
	if language == "" {
		language = st.Language
	}
	return strings.NewReplacer(
		PhStreamer, st.Username,
		PhTitle, st.Title,
		PhCategory, st.Category,
		PhViewers, humanize.Comma(int64(st.ViewerCount)),
		PhURL, st.URL,
		PhLanguage, language,
		PhStarted, started,
	)
}
