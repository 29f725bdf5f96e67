package captcha

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueProducesImage(t *testing.T) {
	svc := New(5 * time.Minute)

	id, image, err := svc.Issue()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, strings.HasPrefix(image, "data:image/png;base64,"))
}

func TestVerifyRejectsWrongAnswer(t *testing.T) {
	svc := New(5 * time.Minute)

	id, _, err := svc.Issue()
	require.NoError(t, err)

	assert.False(t, svc.Verify(id, "not-a-number"))
	assert.False(t, svc.Verify("", "1"))
	assert.False(t, svc.Verify(id, ""))
	assert.False(t, svc.Verify("unknown-id", "1"))
}

func TestVerifyIsOneShot(t *testing.T) {
	svc := New(5 * time.Minute)

	id, _, err := svc.Issue()
	require.NoError(t, err)

	// A wrong attempt consumes the challenge.
	assert.False(t, svc.Verify(id, "wrong"))
	assert.False(t, svc.Verify(id, "wrong"))
}
