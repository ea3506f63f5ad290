package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l := New(Config{LogFile: filepath.Join(t.TempDir(), "audit.log"), MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppend_ChainsSequentially(t *testing.T) {
	l := newTestLogger(t)

	e1, err := l.Append(EventSchemaStateChanged, map[string]string{"schema": "User", "to": "approved"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), e1.SequenceNumber)
	require.Empty(t, e1.PreviousHash)

	e2, err := l.Append(EventAuthFailure, map[string]string{"reason": "bad signature"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), e2.SequenceNumber)
	require.NotEmpty(t, e2.PreviousHash)

	breaks, err := l.VerifyChain()
	require.NoError(t, err)
	require.Empty(t, breaks)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	_, err := l.Append(EventSchemaStateChanged, map[string]string{"schema": "User"})
	require.NoError(t, err)
	_, err = l.Append(EventAuthFailure, map[string]string{"reason": "x"})
	require.NoError(t, err)

	l.mu.Lock()
	l.entries[0].DataHash = "tampered"
	l.mu.Unlock()

	breaks, err := l.VerifyChain()
	require.NoError(t, err)
	require.NotEmpty(t, breaks)
}
