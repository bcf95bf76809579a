package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"reelwatch/internal/engine/match"
	"reelwatch/internal/model"
)

// maxScreeningsShown bounds the per-movie screening list; the remainder is
// summarized in one line so a busy week does not flood the chat.
const maxScreeningsShown = 5

type locale struct {
	tag             string
	digestOne       string
	digestMany      string // takes a count
	broadcastOne    string
	broadcastMany   string // takes a count
	minutes         string
	moreScreenings  string // takes a count
	timeLayout      string
	weekdays        [7]string
	featureLabels   map[string]string
	matchedKeywords string
}

var locales = map[string]locale{
	"en-US": {
		tag:            "en-US",
		digestOne:      "🎬 A movie matching your notifications is showing:",
		digestMany:     "🎬 %d movies matching your notifications are showing:",
		broadcastOne:   "🍿 Now showing:",
		broadcastMany:  "🍿 Now showing (%d movies):",
		minutes:        "min",
		moreScreenings: "… and %d more screenings",
		timeLayout:     "Jan 2, 15:04",
		weekdays:       [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"},
		featureLabels: map[string]string{
			"3d":    "3D",
			"2d":    "2D",
			"atmos": "Dolby Atmos",
			"imax":  "IMAX",
			"ov":    "Original version",
			"omu":   "Original with subtitles",
		},
		matchedKeywords: "Matched: %s",
	},
	"de": {
		tag:            "de",
		digestOne:      "🎬 Ein Film aus deinen Benachrichtigungen läuft:",
		digestMany:     "🎬 %d Filme aus deinen Benachrichtigungen laufen:",
		broadcastOne:   "🍿 Aktuell im Programm:",
		broadcastMany:  "🍿 Aktuell im Programm (%d Filme):",
		minutes:        "Min.",
		moreScreenings: "… und %d weitere Vorstellungen",
		timeLayout:     "02.01., 15:04",
		weekdays:       [7]string{"So", "Mo", "Di", "Mi", "Do", "Fr", "Sa"},
		featureLabels: map[string]string{
			"3d":    "3D",
			"2d":    "2D",
			"atmos": "Dolby Atmos",
			"imax":  "IMAX",
			"ov":    "Originalversion",
			"omu":   "Original mit Untertiteln",
		},
		matchedKeywords: "Treffer: %s",
	},
}

// localeFor resolves a locale tag, falling back to en-US. A bare language
// prefix ("de-AT") falls back to its base language when present.
func localeFor(tag string) locale {
	if l, ok := locales[tag]; ok {
		return l
	}
	if i := strings.IndexByte(tag, '-'); i > 0 {
		if l, ok := locales[tag[:i]]; ok {
			return l
		}
	}
	return locales["en-US"]
}

func renderDigestHeader(l locale, results []match.Result) string {
	if len(results) == 1 {
		return l.digestOne
	}
	return fmt.Sprintf(l.digestMany, len(results))
}

func renderBroadcastHeader(l locale, count int) string {
	if count == 1 {
		return l.broadcastOne
	}
	return fmt.Sprintf(l.broadcastMany, count)
}

func renderMovie(l locale, tz *time.Location, m model.Movie, screenings []model.Screening) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(m.Title))
	b.WriteString("</b>")

	var meta []string
	if m.DurationMinutes > 0 {
		meta = append(meta, fmt.Sprintf("%d %s", m.DurationMinutes, l.minutes))
	}
	if m.AgeRating != "" {
		meta = append(meta, html.EscapeString(m.AgeRating))
	}
	if len(m.Genres) > 0 {
		meta = append(meta, html.EscapeString(strings.Join(m.Genres, ", ")))
	}
	if len(meta) > 0 {
		b.WriteString("\n<i>")
		b.WriteString(strings.Join(meta, " · "))
		b.WriteString("</i>")
	}
	if m.Description != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(m.Description))
	}

	shown := screenings
	var hidden int
	if len(shown) > maxScreeningsShown {
		hidden = len(shown) - maxScreeningsShown
		shown = shown[:maxScreeningsShown]
	}
	for _, s := range shown {
		b.WriteString("\n")
		b.WriteString(renderScreening(l, tz, s))
	}
	if hidden > 0 {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(l.moreScreenings, hidden))
	}
	return b.String()
}

// renderMatched lists the keyword values that triggered this digest item,
// deduplicated across the entries that contributed them.
func renderMatched(l locale, kws []match.TaggedKeyword) string {
	if len(kws) == 0 {
		return ""
	}
	seen := make(map[string]struct{}, len(kws))
	vals := make([]string, 0, len(kws))
	for _, k := range kws {
		if _, ok := seen[k.Value]; ok {
			continue
		}
		seen[k.Value] = struct{}{}
		vals = append(vals, html.EscapeString(k.Value))
	}
	return "<i>" + fmt.Sprintf(l.matchedKeywords, strings.Join(vals, ", ")) + "</i>"
}

func renderScreening(l locale, tz *time.Location, s model.Screening) string {
	t := s.StartTime.In(tz)
	var b strings.Builder
	b.WriteString("• ")
	b.WriteString(l.weekdays[int(t.Weekday())])
	b.WriteString(" ")
	b.WriteString(t.Format(l.timeLayout))
	if s.Auditorium != "" {
		b.WriteString(" — ")
		b.WriteString(html.EscapeString(s.Auditorium))
	}
	if labels := featureList(l, s.Features); labels != "" {
		b.WriteString(" (")
		b.WriteString(labels)
		b.WriteString(")")
	}
	return b.String()
}

// featureList renders screening features with localized labels where known;
// unknown keys pass through as-is so new cinema attributes still show up.
func featureList(l locale, features []string) string {
	if len(features) == 0 {
		return ""
	}
	labels := make([]string, 0, len(features))
	for _, f := range features {
		key := model.NormalizeFeature(f)
		if key == "" {
			continue
		}
		if label, ok := l.featureLabels[key]; ok {
			labels = append(labels, label)
		} else {
			labels = append(labels, html.EscapeString(f))
		}
	}
	return strings.Join(labels, ", ")
}
