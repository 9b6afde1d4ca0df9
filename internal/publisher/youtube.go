package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"promoter/internal/config"
	"promoter/internal/models"
)

// YouTube uploads videos through the Data API with an owner refresh token.
type YouTube struct {
	svc        *youtube.Service
	media      *http.Client
	categoryID string
}

func NewYouTube(ctx context.Context, cfg config.YouTubeConfig) (*YouTube, error) {
	if cfg.ClientID == "" || cfg.RefreshToken == "" {
		return nil, errors.New("youtube client_id and refresh_token are required")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtube.YoutubeUploadScope, youtube.YoutubeReadonlyScope},
	}
	client := oauthCfg.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	svc, err := youtube.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create YouTube service: %w", err)
	}
	return NewYouTubeWithService(svc, http.DefaultClient, cfg.CategoryID), nil
}

// NewYouTubeWithService wires an already built service; media is used to
// download the source file.
func NewYouTubeWithService(svc *youtube.Service, media *http.Client, categoryID string) *YouTube {
	if media == nil {
		media = http.DefaultClient
	}
	return &YouTube{svc: svc, media: media, categoryID: categoryID}
}

func (y *YouTube) Publish(ctx context.Context, req Request) (Result, error) {
	body := req.Payload.YouTube
	if body == nil {
		return Result{}, permanent(CodeInvalidPayload, "missing youtube payload", nil)
	}

	src, err := y.openMedia(ctx, body.MediaURL)
	if err != nil {
		return Result{}, err
	}
	defer src.Body.Close()

	description := body.Description
	if body.ShortForm && !strings.Contains(strings.ToLower(body.Title+" "+description), "#shorts") {
		description = strings.TrimSpace(description + "\n\n#Shorts")
	}
	privacy := body.PrivacyStatus
	if privacy == "" {
		privacy = "public"
	}

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       body.Title,
			Description: description,
			Tags:        body.Tags,
			CategoryId:  y.categoryID,
		},
		Status: &youtube.VideoStatus{PrivacyStatus: privacy},
	}

	resp, err := y.svc.Videos.Insert([]string{"snippet", "status"}, video).
		Media(src.Body).
		Context(ctx).
		Do()
	if err != nil {
		return Result{}, mapGoogleError(err)
	}

	url := "https://www.youtube.com/watch?v=" + resp.Id
	if body.ShortForm {
		url = "https://www.youtube.com/shorts/" + resp.Id
	}
	return Result{ExternalID: resp.Id, URL: url}, nil
}

func (y *YouTube) openMedia(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, permanent(CodeInvalidPayload, "bad media url", err)
	}
	resp, err := y.media.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, transient(CodeUnavailable, fmt.Sprintf("media fetch returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, permanent(CodeInvalidPayload, fmt.Sprintf("media fetch returned %d", resp.StatusCode), nil)
	}
	return resp, nil
}

// FetchMetrics reads view, like and comment counts. Views stand in for
// impressions; the API does not expose clicks.
func (y *YouTube) FetchMetrics(ctx context.Context, externalID string) (models.PostMetrics, error) {
	resp, err := y.svc.Videos.List([]string{"statistics"}).Id(externalID).Context(ctx).Do()
	if err != nil {
		return models.PostMetrics{}, mapGoogleError(err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Statistics == nil {
		return models.PostMetrics{}, permanent(CodeNotFound, "video "+externalID+" not found", nil)
	}
	s := resp.Items[0].Statistics
	return models.PostMetrics{
		Impressions: int64(s.ViewCount),
		Likes:       int64(s.LikeCount),
		Comments:    int64(s.CommentCount),
	}, nil
}

var youtubeQuotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"uploadLimitExceeded":   true,
}

func mapGoogleError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}
	msg := gerr.Message
	if msg == "" {
		msg = http.StatusText(gerr.Code)
	}

	switch {
	case gerr.Code == http.StatusBadRequest:
		return permanent(CodeInvalidPayload, msg, err)
	case gerr.Code == http.StatusUnauthorized:
		return permanent(CodeAuthRevoked, msg, err)
	case gerr.Code == http.StatusForbidden && youtubeQuotaReasons[reason]:
		return transient(CodeRateLimited, msg, err)
	case gerr.Code == http.StatusForbidden:
		return permanent(CodeForbidden, msg, err)
	case gerr.Code == http.StatusNotFound:
		return permanent(CodeNotFound, msg, err)
	case gerr.Code == http.StatusTooManyRequests:
		return transient(CodeRateLimited, msg, err)
	case gerr.Code >= 500:
		return transient(CodeUnavailable, msg, err)
	}
	return err
}
