package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"promoter/internal/models"
)

// EmptyVariantScore is what blank text scores.
const EmptyVariantScore = 30

var ctaPhrases = []string{
	"click", "buy", "shop", "subscribe", "follow", "learn more", "sign up", "join",
	"download", "watch", "order", "link in bio", "check out", "register", "try it",
}

// ScoreVariant rates caption text on a 0..100 scale. The result depends
// on the text only.
func ScoreVariant(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return EmptyVariantScore
	}

	score := 50.0
	lower := strings.ToLower(text)
	fields := strings.Fields(text)

	switch n := len([]rune(text)); {
	case n <= 20:
		score -= 10
	case n <= 70:
		score += 5
	case n <= 150:
		score += 15
	case n <= 280:
		score += 5
	default:
		score -= 10
	}

	var hashtags int
	var words []string
	for _, f := range fields {
		if strings.HasPrefix(f, "#") && len(f) > 1 {
			hashtags++
			continue
		}
		if isLink(f) {
			continue
		}
		w := strings.TrimFunc(strings.ToLower(f), func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if w != "" {
			words = append(words, w)
		}
	}
	switch {
	case hashtags == 0:
		score -= 5
	case hashtags <= 3:
		score += 10
	case hashtags <= 6:
		score += 3
	default:
		score -= 10
	}

	var emoji, letters, upper int
	for _, r := range text {
		if isEmoji(r) {
			emoji++
		}
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	switch {
	case emoji == 0:
	case emoji <= 3:
		score += 5
	default:
		score -= 5
	}

	for _, cta := range ctaPhrases {
		if containsWord(lower, cta) {
			score += 10
			break
		}
	}

	if last := []rune(text)[len([]rune(text))-1]; strings.ContainsRune(".!?", last) {
		score += 5
	}

	for _, f := range fields {
		if isLink(f) {
			score += 5
			break
		}
	}

	if letters >= 10 && float64(upper)/float64(letters) > 0.6 {
		score -= 15
	}

	if len(words) >= 3 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		diversity := float64(len(unique)) / float64(len(words))
		switch {
		case diversity >= 0.7:
			score += 5
		case diversity < 0.4 && len(words) >= 5:
			score -= 10
		}
	}

	return clamp(score, 0, 100)
}

func isLink(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") || strings.HasPrefix(l, "www.")
}

func isEmoji(r rune) bool {
	return (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF)
}

// containsWord matches phrase on word boundaries.
func containsWord(s, phrase string) bool {
	for idx := 0; ; {
		i := strings.Index(s[idx:], phrase)
		if i < 0 {
			return false
		}
		start, end := idx+i, idx+i+len(phrase)
		before := start == 0 || !isWordByte(s[start-1])
		after := end == len(s) || !isWordByte(s[end])
		if before && after {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type VariantStore interface {
	AggregateVariantResults(ctx context.Context) ([]models.VariantStat, error)
	UpsertVariantCounters(ctx context.Context, stats []models.VariantStat, now time.Time) error
	VariantsMissingQuality(ctx context.Context, limit int) ([]models.VariantStat, error)
	SetVariantQuality(ctx context.Context, contentID, platform, value string, score float64, now time.Time) error
	ListVariantStats(ctx context.Context) ([]models.VariantStat, error)
	DeleteVariant(ctx context.Context, contentID, platform, value string) error
}

// VariantService maintains the per-pair variant aggregates.
type VariantService struct {
	store  VariantStore
	now    func() time.Time
	logger *zerolog.Logger
}

func NewVariantService(store VariantStore, logger *zerolog.Logger) *VariantService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &VariantService{store: store, now: time.Now, logger: logger}
}

// RebuildVariantStats recomputes counters from post results.
func (s *VariantService) RebuildVariantStats(ctx context.Context) (int, error) {
	stats, err := s.store.AggregateVariantResults(ctx)
	if err != nil {
		return 0, err
	}
	if len(stats) == 0 {
		return 0, nil
	}
	if err := s.store.UpsertVariantCounters(ctx, stats, s.now()); err != nil {
		return 0, err
	}
	return len(stats), nil
}

// BackfillQualityScores scores variants that have none yet.
func (s *VariantService) BackfillQualityScores(ctx context.Context, batch int) (int, error) {
	missing, err := s.store.VariantsMissingQuality(ctx, batch)
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, v := range missing {
		if err := s.store.SetVariantQuality(ctx, v.ContentID, v.Platform, v.Value, ScoreVariant(v.Value), now); err != nil {
			return 0, fmt.Errorf("score variant for %s/%s: %w", v.ContentID, v.Platform, err)
		}
	}
	if len(missing) > 0 {
		s.logger.Info().Int("scored", len(missing)).Msg("variant quality backfilled")
	}
	return len(missing), nil
}

// PruneVariants keeps the best `keep` variants per pair. Variants with
// fewer than minPosts posts are still being explored and never pruned.
func (s *VariantService) PruneVariants(ctx context.Context, keep, minPosts int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	all, err := s.store.ListVariantStats(ctx)
	if err != nil {
		return 0, err
	}

	type pair struct{ content, platform string }
	groups := make(map[pair][]models.VariantStat)
	for _, v := range all {
		k := pair{v.ContentID, v.Platform}
		groups[k] = append(groups[k], v)
	}

	var pruned int
	for _, vs := range groups {
		if len(vs) <= keep {
			continue
		}
		sort.SliceStable(vs, func(i, j int) bool {
			if vs[i].CTR() != vs[j].CTR() {
				return vs[i].CTR() > vs[j].CTR()
			}
			return quality(vs[i]) > quality(vs[j])
		})
		for _, v := range vs[keep:] {
			if v.Posts < int64(minPosts) {
				continue
			}
			if err := s.store.DeleteVariant(ctx, v.ContentID, v.Platform, v.Value); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	if pruned > 0 {
		s.logger.Info().Int("pruned", pruned).Msg("variants pruned")
	}
	return pruned, nil
}

// quality is the stored score or, when missing, a fresh one.
func quality(v models.VariantStat) float64 {
	if v.QualityScore != nil {
		return *v.QualityScore
	}
	return ScoreVariant(v.Value)
}
