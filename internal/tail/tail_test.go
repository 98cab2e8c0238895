package tail

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func tailN(t *testing.T, content string, n int) string {
	t.Helper()
	dir := t.TempDir()
	path := writeFile(t, dir, "log", content)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	out, err := TailHead(f, n, '\n')
	require.NoError(t, err)
	return string(out)
}

func TestTailHeadZeroLinesIsEmpty(t *testing.T) {
	require.Empty(t, tailN(t, "L1\nL2\nL3\n", 0))
}

func TestTailHeadLastThreeOfFive(t *testing.T) {
	got := tailN(t, "L1\nL2\nL3\nL4\nL5\n", 3)
	require.Equal(t, "L3\nL4\nL5\n", got)
}

func TestTailHeadMoreThanAvailableReturnsWholeFile(t *testing.T) {
	content := "L1\nL2\n"
	got := tailN(t, content, 100)
	require.Equal(t, content, got)
}

func TestTailHeadNoTrailingSeparatorCountsPartialLine(t *testing.T) {
	got := tailN(t, "L1\nL2\nL3", 1)
	require.Equal(t, "L3", got)
}

func TestTailHeadAcrossBlockBoundary(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 400; i++ {
		b.WriteString("line-number-filler-content\n")
	}
	b.WriteString("last-one\n")
	content := b.String()

	got := tailN(t, content, 1)
	require.Equal(t, "last-one\n", got)
}

func TestEventMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventText, Content: "hello\n"})
	require.NoError(t, err)
	require.JSONEq(t, `{"t":"Text","c":"hello\n"}`, string(data))

	data, err = json.Marshal(Event{Type: EventReset})
	require.NoError(t, err)
	require.JSONEq(t, `{"t":"Reset"}`, string(data))
}

func TestStreamEmitsHeadThenAppendThenReset(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "1.log", "L1\nL2\nL3\nL4\nL5\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Stream(ctx, path, 3)
	require.NoError(t, err)

	first := <-events
	require.Equal(t, EventText, first.Type)
	require.Equal(t, "L3\nL4\nL5\n", first.Content)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("L6\n")
	require.NoError(t, err)
	f.Close()

	select {
	case ev := <-events:
		require.Equal(t, EventText, ev.Type)
		require.Equal(t, "L6\n", ev.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for append event")
	}

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte("fresh\n"), 0o644))

	select {
	case ev := <-events:
		require.Equal(t, EventReset, ev.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reset event")
	}
}
