package orchestrator

// DefaultExecutionSettings returns the system-default settings layer.
func DefaultExecutionSettings() ExecutionScrapeSettings {
	return ExecutionScrapeSettings{
		MaxItems:          20,
		ScrapingMode:      ModeBalanced,
		EnableComments:    true,
		EnableScreenshots: false,
	}
}

// DefaultRetrySettings returns the retry policy applied to ad-hoc runs that
// carry no schedule.
func DefaultRetrySettings() RetrySettings {
	return RetrySettings{
		MaxRetries:         2,
		RetryDelayMinutes:  5,
		ExponentialBackoff: true,
		RetryOnReconnect:   true,
	}
}

// ResolveSettings merges the precedence layers into one effective
// configuration, highest wins: system defaults, the target's stored settings,
// the schedule's per-target override, then a one-off run override. Each layer
// only overrides fields it explicitly sets. The function is pure: identical
// inputs always yield identical output.
func ResolveSettings(target TargetSettings, scheduleOverride, runOverride *SettingsOverride) ExecutionScrapeSettings {
	resolved := DefaultExecutionSettings()
	if target != nil {
		targetLayer := CommonOverride(target)
		resolved = applyOverride(resolved, &targetLayer)
	}
	resolved = applyOverride(resolved, scheduleOverride)
	resolved = applyOverride(resolved, runOverride)
	return resolved
}

// CommonOverride maps a platform-specific settings shape onto the common
// override layer. Platform-only fields pass through under Extra unchanged.
// The switch is exhaustive over the union; adding a platform breaks it here.
func CommonOverride(settings TargetSettings) SettingsOverride {
	switch s := settings.(type) {
	case LinkedInSettings:
		out := SettingsOverride{
			MaxItems:          s.MaxItems,
			ScrapingMode:      s.ScrapingMode,
			EnableComments:    s.EnableComments,
			EnableScreenshots: s.EnableScreenshots,
		}
		if s.IncludeReposts {
			out.Extra = setExtra(out.Extra, "includeReposts", true)
		}
		if s.IncludeReactions {
			out.Extra = setExtra(out.Extra, "includeReactions", true)
		}
		return out
	case RedditSettings:
		out := SettingsOverride{
			MaxItems:          s.MaxItems,
			ScrapingMode:      s.ScrapingMode,
			EnableComments:    s.EnableComments,
			EnableScreenshots: s.EnableScreenshots,
		}
		if s.SortBy != "" {
			out.Extra = setExtra(out.Extra, "sortBy", s.SortBy)
		}
		if s.TimeWindow != "" {
			out.Extra = setExtra(out.Extra, "timeWindow", s.TimeWindow)
		}
		if s.IncludeStickied {
			out.Extra = setExtra(out.Extra, "includeStickied", true)
		}
		return out
	case WebsiteSettings:
		out := SettingsOverride{
			MaxItems:          s.MaxItems,
			ScrapingMode:      s.ScrapingMode,
			EnableComments:    s.EnableComments,
			EnableScreenshots: s.EnableScreenshots,
		}
		if s.CSSSelector != "" {
			out.Extra = setExtra(out.Extra, "cssSelector", s.CSSSelector)
		}
		if s.FollowPagination {
			out.Extra = setExtra(out.Extra, "followPagination", true)
		}
		if s.MaxDepth > 0 {
			out.Extra = setExtra(out.Extra, "maxDepth", s.MaxDepth)
		}
		return out
	default:
		return SettingsOverride{}
	}
}

func applyOverride(base ExecutionScrapeSettings, layer *SettingsOverride) ExecutionScrapeSettings {
	if layer == nil {
		return base
	}
	if layer.MaxItems != nil {
		base.MaxItems = *layer.MaxItems
	}
	if layer.ScrapingMode != nil {
		base.ScrapingMode = *layer.ScrapingMode
	}
	if layer.EnableComments != nil {
		base.EnableComments = *layer.EnableComments
	}
	if layer.EnableScreenshots != nil {
		base.EnableScreenshots = *layer.EnableScreenshots
	}
	if len(layer.Extra) > 0 {
		merged := make(map[string]any, len(base.Extra)+len(layer.Extra))
		for k, v := range base.Extra {
			merged[k] = v
		}
		for k, v := range layer.Extra {
			merged[k] = v
		}
		base.Extra = merged
	}
	return base
}

func setExtra(extra map[string]any, key string, value any) map[string]any {
	if extra == nil {
		extra = make(map[string]any)
	}
	extra[key] = value
	return extra
}
