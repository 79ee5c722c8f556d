package redact

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// tokenPattern bounds the candidate set for entropy scoring: runs of
// base64ish characters long enough to be a credential.
var tokenPattern = regexp.MustCompile(`[A-Za-z0-9/+_=-]{10,}`)

// entropyThreshold separates credentials from ordinary identifiers. Typical
// API keys score well above 5.0 bits/char; words and path segments stay
// below 4.5.
const entropyThreshold = 4.5

var (
	detector     *detect.Detector
	detectorOnce sync.Once
)

func gitleaksDetector() *detect.Detector {
	detectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			// Detector unavailable: entropy layer still applies.
			return
		}
		detector = d
	})
	return detector
}

type span struct{ start, end int }

// String masks secrets in s with the literal REDACTED. Two layers, either of
// which is sufficient: Shannon-entropy scoring of token-shaped runs, and the
// gitleaks default ruleset for known credential formats.
func String(s string) string {
	var spans []span

	for _, loc := range tokenPattern.FindAllStringIndex(s, -1) {
		if shannonEntropy(s[loc[0]:loc[1]]) > entropyThreshold {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}

	if d := gitleaksDetector(); d != nil {
		for _, finding := range d.DetectString(s) {
			if finding.Secret == "" {
				continue
			}
			from := 0
			for {
				idx := strings.Index(s[from:], finding.Secret)
				if idx < 0 {
					break
				}
				abs := from + idx
				spans = append(spans, span{abs, abs + len(finding.Secret)})
				from = abs + len(finding.Secret)
			}
		}
	}

	if len(spans) == 0 {
		return s
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(s[prev:sp.start])
		b.WriteString("REDACTED")
		prev = sp.end
	}
	b.WriteString(s[prev:])
	return b.String()
}

// Bytes redacts byte content, returning the original slice when nothing
// matched.
func Bytes(b []byte) []byte {
	s := string(b)
	out := String(s)
	if out == s {
		return b
	}
	return []byte(out)
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[byte]int)
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	n := float64(len(s))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
