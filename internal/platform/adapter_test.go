package platform_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mediavault/fetchd/internal/fault"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/stretchr/testify/assert"
)

const testRequestRate = 1000

func adapterForServer(t *testing.T, construct func(platform.AdapterConfig) platform.Adapter, handler http.HandlerFunc) platform.Adapter {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return construct(platform.AdapterConfig{BaseURL: server.URL, RequestsPerSecond: testRequestRate})
}

func Test_Registry_RejectsDuplicateAdapters(t *testing.T) {
	t.Parallel()
	registry := platform.NewRegistry()

	first := platform.NewYouTubeAdapter(platform.AdapterConfig{})
	assert.Nil(t, registry.Register(first))
	assert.Error(t, registry.Register(platform.NewYouTubeAdapter(platform.AdapterConfig{})))

	found, err := registry.AdapterFor(platform.YouTube)
	assert.Nil(t, err)
	assert.Same(t, first, found)
}

func Test_Registry_UnknownPlatform(t *testing.T) {
	t.Parallel()

	_, err := platform.NewRegistry().AdapterFor(platform.TikTok)
	assert.Error(t, err)
}

func Test_YouTubeAdapter_ResolvesBestFormat(t *testing.T) {
	t.Parallel()
	adapter := adapterForServer(t, platform.NewYouTubeAdapter, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.String(), "videoId=vid123")
		assert.Equal(t, "SID=abc", r.Header.Get("Cookie"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"playabilityStatus": {"status": "OK"},
			"streamingData": {"formats": [
				{"url": "http://stream/low", "contentLength": "1000", "height": 360},
				{"url": "http://stream/high", "contentLength": "5000", "height": 1080}
			]},
			"videoDetails": {"videoId": "vid123", "title": "My Video!"}
		}`))
	})

	cookies := []byte(".youtube.com\tTRUE\t/\tTRUE\t1999999999\tSID\tabc\n")
	media, err := adapter.Resolve(context.Background(), "vid123", cookies)

	assert.Nil(t, err)
	assert.Equal(t, "http://stream/high", media.StreamURL)
	assert.Equal(t, int64(5000), media.ExpectedSize)
	assert.Equal(t, "My_Video.mp4", media.Filename)
}

func Test_YouTubeAdapter_LoginRequired(t *testing.T) {
	t.Parallel()
	adapter := adapterForServer(t, platform.NewYouTubeAdapter, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"playabilityStatus": {"status": "LOGIN_REQUIRED", "reason": "Sign in to confirm your age"}}`))
	})

	_, err := adapter.Resolve(context.Background(), "vid123", nil)
	assert.Equal(t, fault.AuthExpired, fault.KindOf(err))
}

func Test_YouTubeAdapter_UnavailableVideo(t *testing.T) {
	t.Parallel()
	adapter := adapterForServer(t, platform.NewYouTubeAdapter, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"playabilityStatus": {"status": "ERROR", "reason": "Video unavailable"}}`))
	})

	_, err := adapter.Resolve(context.Background(), "vid123", nil)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func Test_Resolver_ClassifiesHTTPFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		summary      string
		status       int
		expectedKind fault.Kind
	}{
		{"unauthorized is expired auth", http.StatusUnauthorized, fault.AuthExpired},
		{"forbidden is expired auth", http.StatusForbidden, fault.AuthExpired},
		{"not found is terminal", http.StatusNotFound, fault.NotFound},
		{"gone is terminal", http.StatusGone, fault.NotFound},
		{"too many requests is rate limited", http.StatusTooManyRequests, fault.RateLimited},
		{"server error is unexpected", http.StatusInternalServerError, fault.Unexpected},
	}

	for _, test := range tests {
		test := test
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()
			adapter := adapterForServer(t, platform.NewYouTubeAdapter, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.status)
			})

			_, err := adapter.Resolve(context.Background(), "vid123", nil)
			assert.Equal(t, test.expectedKind, fault.KindOf(err))
		})
	}
}

func Test_Resolver_SurfacesRetryAfter(t *testing.T) {
	t.Parallel()
	adapter := adapterForServer(t, platform.NewYouTubeAdapter, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := adapter.Resolve(context.Background(), "vid123", nil)
	assert.Equal(t, fault.RateLimited, fault.KindOf(err))
	assert.Equal(t, time.Minute*2, fault.BackoffHint(err))
}

func Test_InstagramAdapter_ResolvesLargestVideo(t *testing.T) {
	t.Parallel()
	adapter := adapterForServer(t, platform.NewInstagramAdapter, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/api/v1/media/reel42/info/")
		_, _ = w.Write([]byte(`{"items": [{
			"code": "reel42",
			"caption": {"text": "sunset timelapse"},
			"video_versions": [
				{"url": "http://cdn/small", "width": 480, "height": 852},
				{"url": "http://cdn/large", "width": 1080, "height": 1920}
			]
		}]}`))
	})

	media, err := adapter.Resolve(context.Background(), "reel42", nil)
	assert.Nil(t, err)
	assert.Equal(t, "http://cdn/large", media.StreamURL)
	assert.Equal(t, "sunset_timelapse.mp4", media.Filename)
}

func Test_InstagramAdapter_DeletedMedia(t *testing.T) {
	t.Parallel()
	adapter := adapterForServer(t, platform.NewInstagramAdapter, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items": []}`))
	})

	_, err := adapter.Resolve(context.Background(), "reel42", nil)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func Test_TikTokAdapter_PrefersDownloadAddr(t *testing.T) {
	t.Parallel()
	adapter := adapterForServer(t, platform.NewTikTokAdapter, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.String(), "itemId=item9")
		_, _ = w.Write([]byte(`{"itemInfo": {"itemStruct": {
			"id": "item9",
			"desc": "dance challenge",
			"video": {"downloadAddr": "http://cdn/clean", "playAddr": "http://cdn/watermarked", "size": 2048}
		}}, "statusCode": 0}`))
	})

	media, err := adapter.Resolve(context.Background(), "item9", nil)
	assert.Nil(t, err)
	assert.Equal(t, "http://cdn/clean", media.StreamURL)
	assert.Equal(t, int64(2048), media.ExpectedSize)
	assert.Equal(t, "dance_challenge.mp4", media.Filename)
}

func Test_TikTokAdapter_MissingItem(t *testing.T) {
	t.Parallel()
	adapter := adapterForServer(t, platform.NewTikTokAdapter, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"statusCode": 10204}`))
	})

	_, err := adapter.Resolve(context.Background(), "item9", nil)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}
