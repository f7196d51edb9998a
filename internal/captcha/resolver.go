// Package captcha turns rendered captcha images into codes worth submitting.
//
// The OCR engine reports no confidence, so acceptance is purely structural:
// a candidate must be exactly CodeLength ASCII letters or digits. A
// well-formed but wrong reading passes; the page reveals that only by
// returning an empty result table.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// CodeLength is the number of characters the bank's captcha renders.
const CodeLength = 4

// DefaultMaxAttempts bounds Resolve when no limit is configured.
const DefaultMaxAttempts = 3

// ErrNoCode reports that every attempt produced a malformed reading.
var ErrNoCode = errors.New("captcha: no acceptable code")

// ImageSource renders a fresh captcha image on every call.
type ImageSource interface {
	CaptchaImage(ctx context.Context) ([]byte, error)
}

// Classifier reads the text out of a captcha image.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (string, error)
}

// Attempt records one resolve try.
type Attempt struct {
	Index     int
	Image     []byte
	Candidate *string
	Accepted  bool
}

// Resolver retries OCR until a structurally valid code appears.
type Resolver struct {
	classifier  Classifier
	maxAttempts int
	logger      zerolog.Logger
}

// NewResolver builds a Resolver; maxAttempts < 1 falls back to DefaultMaxAttempts.
func NewResolver(classifier Classifier, maxAttempts int, logger zerolog.Logger) *Resolver {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Resolver{
		classifier:  classifier,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "captcha").Logger(),
	}
}

// MaxAttempts returns the attempt cap.
func (r *Resolver) MaxAttempts() int { return r.maxAttempts }

// Resolve fetches and classifies up to MaxAttempts images from src and
// returns the first accepted code. When none is accepted the error is
// ErrNoCode. Failing to obtain an image is returned as-is; a classifier
// error only spends the attempt.
func (r *Resolver) Resolve(ctx context.Context, src ImageSource) (string, []Attempt, error) {
	attempts := make([]Attempt, 0, r.maxAttempts)

	for i := 1; i <= r.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", attempts, err
		}

		image, err := src.CaptchaImage(ctx)
		if err != nil {
			return "", attempts, fmt.Errorf("captcha image (attempt %d): %w", i, err)
		}

		attempt := Attempt{Index: i, Image: image}
		text, err := r.classifier.Classify(ctx, image)
		if err != nil {
			r.logger.Warn().Err(err).Int("attempt", i).Msg("ocr classification failed")
			attempts = append(attempts, attempt)
			continue
		}

		candidate := strings.TrimSpace(text)
		attempt.Candidate = &candidate
		attempt.Accepted = Acceptable(candidate)
		attempts = append(attempts, attempt)

		if attempt.Accepted {
			r.logger.Info().Str("code", candidate).Int("attempt", i).Msg("验证码识别成功")
			return candidate, attempts, nil
		}
		r.logger.Warn().Str("candidate", candidate).Int("attempt", i).Msg("验证码格式不符，重新获取")
	}

	return "", attempts, ErrNoCode
}

// Acceptable applies the structural acceptance rule.
func Acceptable(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}
