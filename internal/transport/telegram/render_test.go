package telegram

import (
	"strings"
	"testing"
	"time"

	"reelwatch/internal/engine/match"
	"reelwatch/internal/model"
)

var showtime = time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)

func TestLocaleFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tag  string
		want string
	}{
		{"en-US", "en-US"},
		{"de", "de"},
		{"de-AT", "de"},
		{"fr", "en-US"},
		{"", "en-US"},
	}
	for _, tt := range tests {
		if got := localeFor(tt.tag); got.tag != tt.want {
			t.Errorf("localeFor(%q) = %s, want %s", tt.tag, got.tag, tt.want)
		}
	}
}

func TestRenderMovieEscapesHTML(t *testing.T) {
	t.Parallel()
	m := model.Movie{
		Title:       "Fast & Furious <XI>",
		Description: "cars & more",
	}
	out := renderMovie(localeFor("en-US"), time.UTC, m, nil)
	if strings.Contains(out, "<XI>") {
		t.Fatalf("title not escaped: %q", out)
	}
	if !strings.Contains(out, "&amp;") {
		t.Fatalf("ampersand not escaped: %q", out)
	}
	if !strings.Contains(out, "<b>") {
		t.Fatalf("markup tags missing: %q", out)
	}
}

func TestRenderMovieScreeningCap(t *testing.T) {
	t.Parallel()
	m := model.Movie{Title: "Marathon"}
	var screenings []model.Screening
	for i := 0; i < maxScreeningsShown+3; i++ {
		screenings = append(screenings, model.Screening{
			StartTime:  showtime.Add(time.Duration(i) * 24 * time.Hour),
			Auditorium: "1",
		})
	}
	out := renderMovie(localeFor("en-US"), time.UTC, m, screenings)
	if got := strings.Count(out, "• "); got != maxScreeningsShown {
		t.Fatalf("rendered %d screenings, want %d", got, maxScreeningsShown)
	}
	if !strings.Contains(out, "3 more screenings") {
		t.Fatalf("missing overflow hint: %q", out)
	}
}

func TestRenderScreeningTimezoneAndFeatures(t *testing.T) {
	t.Parallel()
	vienna, err := time.LoadLocation("Europe/Vienna")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	s := model.Screening{
		StartTime:  showtime, // 19:30 UTC is 20:30 in Vienna (CET, March 14)
		Auditorium: "Saal 3",
		Features:   []string{"3D", "atmos", "laser"},
	}
	out := renderScreening(localeFor("de"), vienna, s)
	if !strings.Contains(out, "20:30") {
		t.Fatalf("time not converted to chat timezone: %q", out)
	}
	if !strings.Contains(out, "Sa") {
		t.Fatalf("missing localized weekday: %q", out)
	}
	if !strings.Contains(out, "Dolby Atmos") {
		t.Fatalf("known feature not labelled: %q", out)
	}
	if !strings.Contains(out, "laser") {
		t.Fatalf("unknown feature must pass through: %q", out)
	}
}

func TestRenderMatchedDeduplicates(t *testing.T) {
	t.Parallel()
	kws := []match.TaggedKeyword{
		{Keyword: model.Keyword{Type: model.KeywordTitle, Value: "dune"}, EntryID: 1},
		{Keyword: model.Keyword{Type: model.KeywordTitle, Value: "dune"}, EntryID: 2},
		{Keyword: model.Keyword{Type: model.KeywordFeature, Value: "3d"}, EntryID: 1},
	}
	out := renderMatched(localeFor("en-US"), kws)
	if got := strings.Count(out, "dune"); got != 1 {
		t.Fatalf("duplicate keyword rendered %d times: %q", got, out)
	}
	if !strings.Contains(out, "3d") {
		t.Fatalf("missing keyword: %q", out)
	}
}

func TestRenderHeadersSingularPlural(t *testing.T) {
	t.Parallel()
	l := localeFor("en-US")
	one := []match.Result{{}}
	many := []match.Result{{}, {}, {}}
	if got := renderDigestHeader(l, one); strings.Contains(got, "%d") || strings.Contains(got, "movies") {
		t.Fatalf("singular header = %q", got)
	}
	if got := renderDigestHeader(l, many); !strings.Contains(got, "3") {
		t.Fatalf("plural header = %q, want count", got)
	}
	if got := renderBroadcastHeader(l, 2); !strings.Contains(got, "2") {
		t.Fatalf("broadcast header = %q, want count", got)
	}
}
