package agenterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderClassMapping(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{400, ClassInvalid},
		{401, ClassInvalid},
		{429, ClassInvalid},
		{500, ClassExternal},
		{503, ClassExternal},
		{0, ClassExternal}, // transport failure, no HTTP status
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := NewProvider("openai", tt.status, errors.New("boom"))
			assert.Equal(t, tt.want, err.Class)
		})
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassFramework, ClassOf(NewValidation(errors.New("bad"))))
	assert.Equal(t, ClassExternal, ClassOf(NewTool("echo", errors.New("bad"))))
	assert.Equal(t, ClassInvalid, ClassOf(NewUnknownSource("redis")))
	assert.Equal(t, ClassUnknown, ClassOf(errors.New("plain")))

	// wrapped errors still classify
	wrapped := fmt.Errorf("stage failed: %w", NewTool("echo", errors.New("bad")))
	assert.Equal(t, ClassExternal, ClassOf(wrapped))
	assert.True(t, Retryable(wrapped))
}

func TestExecutionSentinels(t *testing.T) {
	err := NewExecution("summarize", ErrMaxIterations)
	assert.True(t, errors.Is(err, ErrMaxIterations))
	assert.Equal(t, ClassFramework, ClassOf(err))
	assert.Contains(t, err.Error(), "summarize")
}

func TestNotFound(t *testing.T) {
	err := NewNotFound("k1")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, ClassInvalid, ClassOf(err))
	assert.False(t, IsNotFound(errors.New("other")))
}

func TestWithStage(t *testing.T) {
	base := NewTool("echo", errors.New("bad"))
	staged := base.WithStage("fetch")
	assert.Empty(t, base.Stage)
	assert.Equal(t, "fetch", staged.Stage)
	assert.Contains(t, staged.Error(), "stage fetch")
}
