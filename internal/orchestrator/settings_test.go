package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int                    { return &v }
func boolPtr(v bool) *bool                 { return &v }
func modePtr(v ScrapingMode) *ScrapingMode { return &v }

func TestResolveSettingsDefaultsOnly(t *testing.T) {
	t.Parallel()

	got := ResolveSettings(nil, nil, nil)
	require.Equal(t, ExecutionScrapeSettings{
		MaxItems:          20,
		ScrapingMode:      ModeBalanced,
		EnableComments:    true,
		EnableScreenshots: false,
	}, got)
}

func TestResolveSettingsPrecedence(t *testing.T) {
	t.Parallel()

	target := RedditSettings{
		MaxItems: intPtr(50),
		SortBy:   "top",
	}
	scheduleOverride := &SettingsOverride{
		ScrapingMode: modePtr(ModeConservative),
	}
	runOverride := &SettingsOverride{
		MaxItems:          intPtr(5),
		EnableScreenshots: boolPtr(true),
	}

	got := ResolveSettings(target, scheduleOverride, runOverride)
	require.Equal(t, 5, got.MaxItems, "run override wins over target")
	require.Equal(t, ModeConservative, got.ScrapingMode, "schedule override wins over default")
	require.True(t, got.EnableComments, "unset at every layer falls back to default")
	require.True(t, got.EnableScreenshots)
	require.Equal(t, "top", got.Extra["sortBy"], "platform field passes through unchanged")
}

func TestResolveSettingsDeterministic(t *testing.T) {
	t.Parallel()

	target := LinkedInSettings{MaxItems: intPtr(30), IncludeReposts: true}
	override := &SettingsOverride{EnableComments: boolPtr(false)}

	first := ResolveSettings(target, override, nil)
	second := ResolveSettings(target, override, nil)
	require.Equal(t, first, second)
}

func TestCommonOverrideExhaustive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings TargetSettings
		extraKey string
	}{
		{"linkedin", LinkedInSettings{IncludeReactions: true}, "includeReactions"},
		{"reddit", RedditSettings{SortBy: "new"}, "sortBy"},
		{"website", WebsiteSettings{CSSSelector: ".post"}, "cssSelector"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			layer := CommonOverride(tt.settings)
			require.Contains(t, layer.Extra, tt.extraKey)
		})
	}
}

func TestTargetSettingsJSONRoundTrip(t *testing.T) {
	t.Parallel()

	target := Target{
		ID:       "t-1",
		Platform: PlatformReddit,
		URL:      "https://reddit.com/r/golang",
		Priority: PriorityHigh,
		Settings: RedditSettings{MaxItems: intPtr(10), SortBy: "hot"},
	}
	data, err := json.Marshal(target)
	require.NoError(t, err)

	var decoded Target
	require.NoError(t, json.Unmarshal(data, &decoded))
	settings, ok := decoded.Settings.(RedditSettings)
	require.True(t, ok, "settings decode to the platform-tagged type")
	require.Equal(t, "hot", settings.SortBy)
	require.Equal(t, 10, *settings.MaxItems)
}

func TestTargetSettingsUnknownPlatform(t *testing.T) {
	t.Parallel()

	var decoded Target
	err := json.Unmarshal([]byte(`{"id":"t-1","platform":"myspace","settings":{}}`), &decoded)
	require.Error(t, err)
}
