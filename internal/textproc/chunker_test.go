package textproc

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"ab", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{strings.Repeat("a", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	t.Parallel()

	c := NewChunker()
	text := strings.Repeat("Go services favor explicit dependencies and small interfaces. ", 200)

	first := c.Split(text)
	second := c.Split(text)

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestSplit_RespectsTokenBudget(t *testing.T) {
	t.Parallel()

	c := NewChunker()
	text := strings.Repeat("The scheduler parks goroutines waiting on channel operations. ", 300)

	for i, chunk := range c.Split(text) {
		if got := EstimateTokens(chunk); got > c.MaxChunkTokens {
			t.Errorf("chunk %d has %d estimated tokens, budget is %d", i, got, c.MaxChunkTokens)
		}
	}
}

func TestSplit_AdjacentChunksOverlap(t *testing.T) {
	t.Parallel()

	c := NewChunker()
	text := strings.Repeat("Interfaces are satisfied implicitly in Go programs. ", 300)

	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i := 1; i < len(chunks); i++ {
		tail := overlapTail(chunks[i-1], c.OverlapTokens)
		if tail == "" {
			t.Fatalf("no overlap tail for chunk %d", i-1)
		}
		if !strings.HasPrefix(chunks[i], tail) {
			t.Errorf("chunk %d does not start with the previous chunk's tail", i)
		}
	}
}

func TestSplit_NeverSplitsWords(t *testing.T) {
	t.Parallel()

	c := Chunker{MaxChunkTokens: 20, MaxLineTokens: 10, OverlapTokens: 4}
	text := strings.Repeat("concurrency parallelism goroutine channel select mutex ", 30)

	vocab := map[string]bool{
		"concurrency": true, "parallelism": true, "goroutine": true,
		"channel": true, "select": true, "mutex": true,
	}
	for _, chunk := range c.Split(text) {
		for _, w := range strings.Fields(chunk) {
			if !vocab[w] {
				t.Fatalf("word split detected: %q", w)
			}
		}
	}
}

func TestSplit_DiscardsEmptyInput(t *testing.T) {
	t.Parallel()

	c := NewChunker()
	for _, in := range []string{"", "   ", "\n\n\n", "\t \n \t"} {
		if got := c.Split(in); len(got) != 0 {
			t.Errorf("Split(%q) = %q, want empty", in, got)
		}
	}
}

func TestSplit_PrefersParagraphBoundaries(t *testing.T) {
	t.Parallel()

	c := Chunker{MaxChunkTokens: 30, MaxLineTokens: 30, OverlapTokens: 0}
	para1 := strings.Repeat("alpha beta gamma delta ", 5)
	para2 := strings.Repeat("epsilon zeta eta theta ", 5)
	chunks := c.Split(para1 + "\n\n" + para2)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if strings.Contains(chunks[0], "epsilon") {
		t.Errorf("paragraph boundary not respected: %q", chunks[0])
	}
}
