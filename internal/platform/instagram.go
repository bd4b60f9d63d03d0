package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mediavault/fetchd/internal/fault"
)

const DefaultInstagramBaseURL = "https://www.instagram.com"

type (
	instagramAdapter struct {
		resolver *resolver
	}

	instagramMediaInfo struct {
		Items []struct {
			Code          string `json:"code"`
			Caption       struct {
				Text string `json:"text"`
			} `json:"caption"`
			VideoVersions []struct {
				URL    string `json:"url"`
				Width  int    `json:"width"`
				Height int    `json:"height"`
			} `json:"video_versions"`
		} `json:"items"`
	}
)

func NewInstagramAdapter(config AdapterConfig) Adapter {
	if config.BaseURL == "" {
		config.BaseURL = DefaultInstagramBaseURL
	}

	return &instagramAdapter{resolver: newResolver(Instagram, config.BaseURL, config.RequestsPerSecond)}
}

func (adapter *instagramAdapter) Platform() Platform { return Instagram }

// Resolve looks up a reel/post by its media shortcode. Instagram returns an
// empty item list (rather than an error status) for deleted content, so that
// case is mapped to NotFound here.
func (adapter *instagramAdapter) Resolve(ctx context.Context, contentReference string, cookies []byte) (*ResolvedMedia, error) {
	path := fmt.Sprintf("/api/v1/media/%s/info/", url.PathEscape(contentReference))

	var info instagramMediaInfo
	if err := adapter.resolver.getJSON(ctx, path, cookies, &info); err != nil {
		return nil, err
	}

	if len(info.Items) == 0 {
		return nil, fault.Newf(fault.NotFound, "instagram media %s no longer exists", contentReference)
	}

	item := info.Items[0]
	var best string
	bestArea := 0
	for _, version := range item.VideoVersions {
		if area := version.Width * version.Height; version.URL != "" && area >= bestArea {
			best = version.URL
			bestArea = area
		}
	}

	if best == "" {
		return nil, fault.Newf(fault.NotFound, "instagram media %s has no video stream", contentReference)
	}

	return &ResolvedMedia{
		StreamURL: best,
		Filename:  sanitizeFilename(item.Caption.Text, item.Code, ".mp4"),
	}, nil
}
