// Package sha256 provides the SHA-256 content fingerprinter used for
// cross-session deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// Fingerprinter implements orchestrator.Fingerprinter using SHA-256.
//
// When the platform supplies a native identifier, the fingerprint binds to
// platform+externalID so edits to the same item dedupe correctly. Items with
// no identifier (generic websites) fall back to url+postedAt truncated to the
// minute, which tolerates clock jitter between scrapes.
type Fingerprinter struct{}

// New returns a SHA-256 fingerprinter.
func New() *Fingerprinter {
	return &Fingerprinter{}
}

// Fingerprint computes the stable hex digest for one scraped item.
func (f *Fingerprinter) Fingerprint(platform orchestrator.Platform, externalID, url string, postedAt *time.Time) string {
	var b strings.Builder
	b.WriteString(string(platform))
	b.WriteByte('\x00')
	if externalID != "" {
		b.WriteString("id:")
		b.WriteString(externalID)
	} else {
		b.WriteString("url:")
		b.WriteString(url)
		b.WriteByte('\x00')
		if postedAt != nil {
			b.WriteString(postedAt.UTC().Truncate(time.Minute).Format(time.RFC3339))
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
