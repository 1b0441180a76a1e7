package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemachine.dev/core/engine"
)

func drain(t *testing.T, ch <-chan engine.Chunk) []engine.Chunk {
	t.Helper()
	var out []engine.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestMock_RunEchoesPromptByDefault(t *testing.T) {
	m := NewMock(nil, 1)
	ch, err := m.Run(context.Background(), engine.RunOptions{Prompt: "hello"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, engine.ChunkData, chunks[0].Kind)
	assert.Equal(t, "hello", chunks[0].Text)
	require.Equal(t, engine.ChunkResult, chunks[1].Kind)
	assert.Equal(t, "hello", chunks[1].ResultData.Stdout)
}

func TestMock_AuthAlwaysSucceeds(t *testing.T) {
	m := NewMock(nil, 1)
	authed, err := m.Auth().IsAuthenticated(context.Background())
	require.NoError(t, err)
	assert.True(t, authed)
}

func TestAPIKeyAuth_ReportsUnauthenticatedWhenEmpty(t *testing.T) {
	a := apiKeyAuth{key: ""}
	authed, err := a.IsAuthenticated(context.Background())
	require.NoError(t, err)
	assert.False(t, authed)

	a = apiKeyAuth{key: "sk-test"}
	authed, err = a.IsAuthenticated(context.Background())
	require.NoError(t, err)
	assert.True(t, authed)
}

func TestBedrockRateLimit_DetectsThrottlingExceptionErrorCode(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
	isRateLimit, retryAfter := bedrockRateLimit(err)
	assert.True(t, isRateLimit)
	assert.Equal(t, engine.DefaultRetryAfterSeconds, retryAfter)
}

func TestBedrockRateLimit_IgnoresUnrelatedErrorCode(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "ValidationException", Message: "bad request"}
	isRateLimit, _ := bedrockRateLimit(err)
	assert.False(t, isRateLimit)
}

func TestBedrockRateLimit_FallsBackToMarkerDetectionForPlainErrors(t *testing.T) {
	isRateLimit, retryAfter := bedrockRateLimit(errors.New("HTTP 429: quota exceeded"))
	assert.True(t, isRateLimit)
	assert.Equal(t, engine.DefaultRetryAfterSeconds, retryAfter)
}

func TestClaudeRateLimit_FallsBackToMarkerDetectionForPlainErrors(t *testing.T) {
	isRateLimit, resetAt, retryAfter := claudeRateLimit(errors.New("rate limit exceeded"))
	assert.True(t, isRateLimit)
	assert.Nil(t, resetAt)
	assert.Nil(t, retryAfter)
}

func TestClaudeRateLimit_IgnoresUnrelatedErrors(t *testing.T) {
	isRateLimit, _, _ := claudeRateLimit(errors.New("invalid request"))
	assert.False(t, isRateLimit)
}

func TestCodexRateLimit_FallsBackToMarkerDetectionForPlainErrors(t *testing.T) {
	isRateLimit, _, _ := codexRateLimit(errors.New("RESOURCE_EXHAUSTED"))
	assert.True(t, isRateLimit)
}

func TestSleepRetryAfter_ComputesFutureInstant(t *testing.T) {
	before := time.Now()
	got := sleepRetryAfter(30)
	require.NotNil(t, got)
	assert.True(t, got.After(before))
	assert.True(t, got.Before(before.Add(31*time.Second)))
}

// writeFakeCursorAgent writes a minimal shell script standing in for the
// cursor-agent CLI: it writes stderr (if non-empty) to stderr, echoes
// stdin to stdout, and exits with exitCode.
func writeFakeCursorAgent(t *testing.T, exitCode int, stderr string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake cursor-agent script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "cursor-agent")
	script := "#!/bin/sh\n"
	if stderr != "" {
		script += "echo '" + stderr + "' 1>&2\n"
	}
	script += "cat\n"
	script += "exit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestCursor_RunStreamsStdoutAndSucceeds(t *testing.T) {
	binary := writeFakeCursorAgent(t, 0, "")
	c := NewCursor(binary, "", defaultCursorModel, 1)

	ch, err := c.Run(context.Background(), engine.RunOptions{Prompt: "do the thing"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	require.Equal(t, engine.ChunkResult, last.Kind)
	assert.Contains(t, last.ResultData.Stdout, "do the thing")
	assert.Empty(t, last.ResultData.Stderr)
}

func TestCursor_RunReportsRateLimitFromStderr(t *testing.T) {
	binary := writeFakeCursorAgent(t, 1, "rate limit exceeded")
	c := NewCursor(binary, "", defaultCursorModel, 1)

	ch, err := c.Run(context.Background(), engine.RunOptions{Prompt: "x"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	last := chunks[len(chunks)-1]
	require.Equal(t, engine.ChunkResult, last.Kind)
	assert.True(t, last.ResultData.IsRateLimitError)
}

func TestCursor_RunReportsFailureWhenNotRateLimited(t *testing.T) {
	binary := writeFakeCursorAgent(t, 1, "unexpected crash")
	c := NewCursor(binary, "", defaultCursorModel, 1)

	ch, err := c.Run(context.Background(), engine.RunOptions{Prompt: "x"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	last := chunks[len(chunks)-1]
	require.Equal(t, engine.ChunkResult, last.Kind)
	assert.False(t, last.ResultData.IsRateLimitError)
	assert.Contains(t, last.ResultData.Stderr, "unexpected crash")
}
