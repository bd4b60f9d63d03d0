package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mediavault/fetchd/internal/fault"
)

const DefaultTikTokBaseURL = "https://www.tiktok.com"

type (
	tiktokAdapter struct {
		resolver *resolver
	}

	tiktokItemDetail struct {
		ItemInfo struct {
			ItemStruct struct {
				ID    string `json:"id"`
				Desc  string `json:"desc"`
				Video struct {
					DownloadAddr string `json:"downloadAddr"`
					PlayAddr     string `json:"playAddr"`
					Size         int64  `json:"size"`
				} `json:"video"`
			} `json:"itemStruct"`
		} `json:"itemInfo"`
		StatusCode int `json:"statusCode"`
	}
)

func NewTikTokAdapter(config AdapterConfig) Adapter {
	if config.BaseURL == "" {
		config.BaseURL = DefaultTikTokBaseURL
	}

	return &tiktokAdapter{resolver: newResolver(TikTok, config.BaseURL, config.RequestsPerSecond)}
}

func (adapter *tiktokAdapter) Platform() Platform { return TikTok }

// Resolve fetches the item detail for a video ID, preferring the watermark
// free download address when the platform offers one.
func (adapter *tiktokAdapter) Resolve(ctx context.Context, contentReference string, cookies []byte) (*ResolvedMedia, error) {
	path := fmt.Sprintf("/api/item/detail/?itemId=%s", url.QueryEscape(contentReference))

	var detail tiktokItemDetail
	if err := adapter.resolver.getJSON(ctx, path, cookies, &detail); err != nil {
		return nil, err
	}

	item := detail.ItemInfo.ItemStruct
	streamURL := item.Video.DownloadAddr
	if streamURL == "" {
		streamURL = item.Video.PlayAddr
	}

	if detail.StatusCode != 0 || streamURL == "" {
		return nil, fault.Newf(fault.NotFound, "tiktok item %s is unavailable (status code %d)", contentReference, detail.StatusCode)
	}

	return &ResolvedMedia{
		StreamURL:    streamURL,
		ExpectedSize: item.Video.Size,
		Filename:     sanitizeFilename(item.Desc, item.ID, ".mp4"),
	}, nil
}
