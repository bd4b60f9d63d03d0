package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mediavault/fetchd/internal/fault"
)

const DefaultYouTubeBaseURL = "https://www.youtube.com"

type (
	// AdapterConfig customises one adapter's outbound behaviour. The
	// base URL is overridable primarily so tests can target a local
	// server; the request rate guards against tripping the platform's
	// own limiter before it tells us to back off.
	AdapterConfig struct {
		BaseURL           string  `yaml:"base_url"`
		RequestsPerSecond float64 `yaml:"requests_per_second" env-default:"2"`
	}

	youtubeAdapter struct {
		resolver *resolver
	}

	youtubePlayerResponse struct {
		PlayabilityStatus struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"playabilityStatus"`
		StreamingData struct {
			Formats []youtubeFormat `json:"formats"`
		} `json:"streamingData"`
		VideoDetails struct {
			VideoID string `json:"videoId"`
			Title   string `json:"title"`
		} `json:"videoDetails"`
	}

	youtubeFormat struct {
		URL           string      `json:"url"`
		MimeType      string      `json:"mimeType"`
		ContentLength json.Number `json:"contentLength"`
		Height        int         `json:"height"`
	}
)

func NewYouTubeAdapter(config AdapterConfig) Adapter {
	if config.BaseURL == "" {
		config.BaseURL = DefaultYouTubeBaseURL
	}

	return &youtubeAdapter{resolver: newResolver(YouTube, config.BaseURL, config.RequestsPerSecond)}
}

func (adapter *youtubeAdapter) Platform() Platform { return YouTube }

// Resolve asks the innertube player endpoint for the streams of a video ID
// and selects the highest-resolution progressive format. Videos which are
// removed or private report an unplayable status rather than a 404, so both
// paths are classified here.
func (adapter *youtubeAdapter) Resolve(ctx context.Context, contentReference string, cookies []byte) (*ResolvedMedia, error) {
	path := fmt.Sprintf("/youtubei/v1/player?videoId=%s", url.QueryEscape(contentReference))

	var response youtubePlayerResponse
	if err := adapter.resolver.getJSON(ctx, path, cookies, &response); err != nil {
		return nil, err
	}

	switch response.PlayabilityStatus.Status {
	case "OK", "":
	case "LOGIN_REQUIRED":
		return nil, fault.Newf(fault.AuthExpired, "youtube requires a fresh login: %s", response.PlayabilityStatus.Reason)
	default:
		return nil, fault.Newf(fault.NotFound, "youtube video %s is unavailable: %s", contentReference, response.PlayabilityStatus.Reason)
	}

	var best *youtubeFormat
	for i := range response.StreamingData.Formats {
		format := &response.StreamingData.Formats[i]
		if format.URL == "" {
			continue
		}

		if best == nil || format.Height > best.Height {
			best = format
		}
	}

	if best == nil {
		return nil, fault.Newf(fault.NotFound, "youtube video %s offers no downloadable formats", contentReference)
	}

	size, _ := strconv.ParseInt(best.ContentLength.String(), 10, 64)
	return &ResolvedMedia{
		StreamURL:    best.URL,
		ExpectedSize: size,
		Filename:     sanitizeFilename(response.VideoDetails.Title, contentReference, ".mp4"),
	}, nil
}
