package embedding

import (
	"testing"
)

func TestSimpleTokenizer_Tokenize(t *testing.T) {
	tok := &SimpleTokenizer{}
	ids, attn, _ := tok.Tokenize("hello world", 10)
	if len(ids) != 10 {
		t.Errorf("len(ids)=%d", len(ids))
	}
	if ids[0] != clsToken || ids[3] != sepToken {
		t.Errorf("expected CLS ... SEP framing, got %v", ids)
	}
	if attn[0] != 1 || attn[3] != 1 || attn[4] != 0 {
		t.Errorf("attention mask = %v", attn)
	}
	if ids[1] != TokenID("hello") {
		t.Errorf("token id of hello = %d", ids[1])
	}
}

func TestSimpleTokenizer_Truncates(t *testing.T) {
	ids, attn, _ := (&SimpleTokenizer{}).Tokenize("a b c d e f g h", 4)
	if len(ids) != 4 || ids[3] != sepToken || attn[3] != 1 {
		t.Errorf("ids=%v attn=%v", ids, attn)
	}
}

func TestWords(t *testing.T) {
	words := Words("  Read_File(path=/tmp/x.go)  OK ")
	want := []string{"read_file", "path", "tmp", "x", "go", "ok"}
	if len(words) != len(want) {
		t.Fatalf("Words = %v", words)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("word %d = %q, want %q", i, words[i], want[i])
		}
	}
	if len(Words("")) != 0 {
		t.Error("empty string should have no words")
	}
}

func TestTokenID(t *testing.T) {
	if TokenID("abc") != TokenID("abc") {
		t.Error("token id should be deterministic")
	}
	if id := TokenID("abc"); id < firstWordID || id >= vocabSize {
		t.Errorf("token id %d out of range", id)
	}
}
