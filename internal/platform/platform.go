package platform

import (
	"fmt"
	"strings"
)

// Platform identifies an external content host. Each platform carries
// its own credential bundle and resolution quirks; jobs reference
// platforms by this identifier.
type Platform string

const (
	YouTube   Platform = "youtube"
	Instagram Platform = "instagram"
	TikTok    Platform = "tiktok"
)

// All returns every platform this build knows how to resolve.
func All() []Platform {
	return []Platform{YouTube, Instagram, TikTok}
}

func Parse(raw string) (Platform, error) {
	candidate := Platform(strings.ToLower(strings.TrimSpace(raw)))
	for _, p := range All() {
		if p == candidate {
			return p, nil
		}
	}

	return "", fmt.Errorf("unknown platform '%s'", raw)
}

func (p Platform) String() string { return string(p) }
