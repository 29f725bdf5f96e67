// Package captcha issues math challenges rendered to base64 PNGs. Answers are
// stored in memory with a TTL and consumed on first verification, so a solved
// challenge cannot be replayed.
package captcha

import (
	"time"

	"github.com/mojocn/base64Captcha"
)

const (
	imageWidth  = 240
	imageHeight = 80
	noiseCount  = 0
	// Upper bound on concurrently outstanding challenges held in memory.
	maxPending = 10240
)

// Service issues and verifies challenges.
type Service struct {
	captcha *base64Captcha.Captcha
}

// New builds a service whose answers expire after ttl.
func New(ttl time.Duration) *Service {
	driver := base64Captcha.NewDriverMath(
		imageHeight, imageWidth, noiseCount,
		base64Captcha.OptionShowHollowLine, nil, nil, nil)
	store := base64Captcha.NewMemoryStore(maxPending, ttl)
	return &Service{captcha: base64Captcha.NewCaptcha(driver, store)}
}

// Issue generates a challenge and returns its id and the image as a base64
// data URI.
func (s *Service) Issue() (id, image string, err error) {
	id, image, _, err = s.captcha.Generate()
	return id, image, err
}

// Verify checks the answer and consumes the challenge whether or not the
// answer was right. Unknown or expired ids fail.
func (s *Service) Verify(id, answer string) bool {
	if id == "" || answer == "" {
		return false
	}
	return s.captcha.Verify(id, answer, true)
}
