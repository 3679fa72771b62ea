package pool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func line(s string) LogLine {
	return LogLine{WorkerID: "w-1", Line: s}
}

func texts(lines []LogLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Line
	}
	return out
}

func TestLogBuffer_WriteAndLines(t *testing.T) {
	b := NewLogBuffer(3)
	require.Equal(t, 3, b.Capacity())
	require.Empty(t, b.Lines())

	b.Write(line("a"))
	b.Write(line("b"))
	require.Equal(t, 2, b.Len())
	require.Equal(t, []string{"a", "b"}, texts(b.Lines()))
}

func TestLogBuffer_OverwritesOldest(t *testing.T) {
	b := NewLogBuffer(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		b.Write(line(s))
	}
	require.Equal(t, 3, b.Len())
	require.Equal(t, []string{"c", "d", "e"}, texts(b.Lines()))
}

func TestLogBuffer_LastN(t *testing.T) {
	b := NewLogBuffer(5)
	for _, s := range []string{"a", "b", "c", "d"} {
		b.Write(line(s))
	}

	require.Equal(t, []string{"c", "d"}, texts(b.LastN(2)))
	require.Equal(t, []string{"a", "b", "c", "d"}, texts(b.LastN(10)))
	require.Empty(t, b.LastN(0))
	require.Empty(t, b.LastN(-1))
}

func TestLogBuffer_Clear(t *testing.T) {
	b := NewLogBuffer(2)
	b.Write(line("a"))
	b.Write(line("b"))
	b.Clear()
	require.Zero(t, b.Len())
	require.Empty(t, b.Lines())

	b.Write(line("c"))
	require.Equal(t, []string{"c"}, texts(b.Lines()))
}

func TestLogBuffer_MinimumCapacity(t *testing.T) {
	b := NewLogBuffer(0)
	require.Equal(t, 1, b.Capacity())
	b.Write(line("a"))
	b.Write(line("b"))
	require.Equal(t, []string{"b"}, texts(b.Lines()))
}

func TestLogBuffer_KeepsNewestSuffix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		writes := rapid.IntRange(0, 64).Draw(t, "writes")

		b := NewLogBuffer(capacity)
		var all []string
		for i := 0; i < writes; i++ {
			s := fmt.Sprintf("line-%d", i)
			all = append(all, s)
			b.Write(line(s))
		}

		want := all
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		got := texts(b.Lines())
		if len(want) == 0 {
			require.Empty(t, got)
		} else {
			require.Equal(t, want, got)
		}
	})
}
