package sha256

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

func TestFingerprintDeterministic(t *testing.T) {
	t.Parallel()

	f := New()
	a := f.Fingerprint(orchestrator.PlatformReddit, "t3_abc123", "https://reddit.com/r/go/abc123", nil)
	b := f.Fingerprint(orchestrator.PlatformReddit, "t3_abc123", "https://reddit.com/r/go/abc123", nil)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestFingerprintExternalIDWinsOverURL(t *testing.T) {
	t.Parallel()

	f := New()
	a := f.Fingerprint(orchestrator.PlatformReddit, "t3_abc123", "https://reddit.com/old-url", nil)
	b := f.Fingerprint(orchestrator.PlatformReddit, "t3_abc123", "https://reddit.com/new-url", nil)
	require.Equal(t, a, b, "same external id is the same item regardless of URL")
}

func TestFingerprintPlatformScoped(t *testing.T) {
	t.Parallel()

	f := New()
	a := f.Fingerprint(orchestrator.PlatformReddit, "abc", "", nil)
	b := f.Fingerprint(orchestrator.PlatformLinkedIn, "abc", "", nil)
	require.NotEqual(t, a, b)
}

func TestFingerprintURLFallbackTruncatesToMinute(t *testing.T) {
	t.Parallel()

	f := New()
	t1 := time.Date(2024, 5, 1, 9, 30, 12, 0, time.UTC)
	t2 := time.Date(2024, 5, 1, 9, 30, 55, 0, time.UTC)
	t3 := time.Date(2024, 5, 1, 9, 31, 0, 0, time.UTC)

	a := f.Fingerprint(orchestrator.PlatformWebsite, "", "https://example.com/post", &t1)
	b := f.Fingerprint(orchestrator.PlatformWebsite, "", "https://example.com/post", &t2)
	c := f.Fingerprint(orchestrator.PlatformWebsite, "", "https://example.com/post", &t3)
	require.Equal(t, a, b, "seconds within the same minute do not change identity")
	require.NotEqual(t, a, c)
}

func TestFingerprintNilPostedAt(t *testing.T) {
	t.Parallel()

	f := New()
	a := f.Fingerprint(orchestrator.PlatformWebsite, "", "https://example.com/post", nil)
	b := f.Fingerprint(orchestrator.PlatformWebsite, "", "https://example.com/post", nil)
	require.Equal(t, a, b)
}
