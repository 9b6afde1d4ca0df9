package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Payload is a tagged union keyed by Platform. Exactly one body is set.
type Payload struct {
	Platform  string            `json:"platform" validate:"required,oneof=youtube tiktok instagram facebook twitter pinterest"`
	YouTube   *YouTubePayload   `json:"youtube,omitempty"`
	TikTok    *TikTokPayload    `json:"tiktok,omitempty"`
	Instagram *InstagramPayload `json:"instagram,omitempty"`
	Facebook  *FacebookPayload  `json:"facebook,omitempty"`
	Twitter   *TwitterPayload   `json:"twitter,omitempty"`
	Pinterest *PinterestPayload `json:"pinterest,omitempty"`
}

type YouTubePayload struct {
	Title         string   `json:"title" validate:"required,max=100"`
	Description   string   `json:"description" validate:"max=5000"`
	MediaURL      string   `json:"media_url" validate:"required,url"`
	Tags          []string `json:"tags,omitempty" validate:"max=30,dive,max=100"`
	ShortForm     bool     `json:"short_form"`
	PrivacyStatus string   `json:"privacy_status,omitempty" validate:"omitempty,oneof=public unlisted private"`
}

type TikTokPayload struct {
	Caption  string `json:"caption" validate:"max=2200"`
	MediaURL string `json:"media_url" validate:"required,url"`
}

type InstagramPayload struct {
	Caption  string `json:"caption" validate:"max=2200"`
	MediaURL string `json:"media_url" validate:"required,url"`
	Reel     bool   `json:"reel"`
}

type FacebookPayload struct {
	Message string `json:"message" validate:"required,max=63206"`
	Link    string `json:"link,omitempty" validate:"omitempty,url"`
}

type TwitterPayload struct {
	Text     string `json:"text" validate:"required,max=280"`
	MediaURL string `json:"media_url,omitempty" validate:"omitempty,url"`
}

type PinterestPayload struct {
	BoardID     string `json:"board_id" validate:"required"`
	Title       string `json:"title" validate:"max=100"`
	Description string `json:"description" validate:"max=500"`
	Link        string `json:"link,omitempty" validate:"omitempty,url"`
	MediaURL    string `json:"media_url" validate:"required,url"`
}

var (
	ErrPayloadBody     = errors.New("payload must carry exactly one platform body")
	ErrPayloadMismatch = errors.New("payload body does not match platform")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the union shape and then the tags of the active body.
func (p Payload) Validate() error {
	if _, err := p.Body(); err != nil {
		return err
	}
	return validate.Struct(p)
}

// Body returns the single populated body.
func (p Payload) Body() (any, error) {
	var (
		set      int
		body     any
		platform string
	)
	pick := func(ok bool, b any, name string) {
		if ok {
			set++
			body, platform = b, name
		}
	}
	pick(p.YouTube != nil, p.YouTube, PlatformYouTube)
	pick(p.TikTok != nil, p.TikTok, PlatformTikTok)
	pick(p.Instagram != nil, p.Instagram, PlatformInstagram)
	pick(p.Facebook != nil, p.Facebook, PlatformFacebook)
	pick(p.Twitter != nil, p.Twitter, PlatformTwitter)
	pick(p.Pinterest != nil, p.Pinterest, PlatformPinterest)

	if set != 1 {
		return nil, ErrPayloadBody
	}
	if platform != p.Platform {
		return nil, fmt.Errorf("%w: %s body for %s", ErrPayloadMismatch, platform, p.Platform)
	}
	return body, nil
}

// Text returns the caption-like field a variant replaces.
func (p Payload) Text() string {
	switch {
	case p.YouTube != nil:
		return p.YouTube.Description
	case p.TikTok != nil:
		return p.TikTok.Caption
	case p.Instagram != nil:
		return p.Instagram.Caption
	case p.Facebook != nil:
		return p.Facebook.Message
	case p.Twitter != nil:
		return p.Twitter.Text
	case p.Pinterest != nil:
		return p.Pinterest.Description
	}
	return ""
}

// WithText returns a copy of p whose caption-like field is text.
func (p Payload) WithText(text string) Payload {
	switch {
	case p.YouTube != nil:
		b := *p.YouTube
		b.Description = text
		p.YouTube = &b
	case p.TikTok != nil:
		b := *p.TikTok
		b.Caption = text
		p.TikTok = &b
	case p.Instagram != nil:
		b := *p.Instagram
		b.Caption = text
		p.Instagram = &b
	case p.Facebook != nil:
		b := *p.Facebook
		b.Message = text
		p.Facebook = &b
	case p.Twitter != nil:
		b := *p.Twitter
		b.Text = text
		p.Twitter = &b
	case p.Pinterest != nil:
		b := *p.Pinterest
		b.Description = text
		p.Pinterest = &b
	}
	return p
}

// DefaultPayload builds the minimal body for platform from a content record.
func DefaultPayload(platform string, c Content) Payload {
	p := Payload{Platform: platform}
	switch platform {
	case PlatformYouTube:
		p.YouTube = &YouTubePayload{
			Title:       c.Title,
			Description: c.Description,
			MediaURL:    c.MediaURL,
			ShortForm:   c.IsShortForm(),
		}
	case PlatformTikTok:
		p.TikTok = &TikTokPayload{Caption: c.Description, MediaURL: c.MediaURL}
	case PlatformInstagram:
		p.Instagram = &InstagramPayload{Caption: c.Description, MediaURL: c.MediaURL, Reel: c.IsShortForm()}
	case PlatformFacebook:
		p.Facebook = &FacebookPayload{Message: firstNonEmpty(c.Description, c.Title), Link: c.MediaURL}
	case PlatformTwitter:
		p.Twitter = &TwitterPayload{Text: firstNonEmpty(c.Title, c.Description), MediaURL: c.MediaURL}
	case PlatformPinterest:
		p.Pinterest = &PinterestPayload{BoardID: c.PinterestBoardID, Title: c.Title, Description: c.Description, MediaURL: c.MediaURL}
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
