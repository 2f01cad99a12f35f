package digest

import (
	"strings"
	"testing"
)

func TestOf(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{name: "abc", input: "abc", want: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of([]byte(tt.input)); got != tt.want {
				t.Errorf("Of(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestOf_Stable(t *testing.T) {
	data := []byte("vcl 4.1;\nbackend default { .host = \"127.0.0.1\"; }\n")
	if Of(data) != Of(append([]byte(nil), data...)) {
		t.Error("digest of identical content differs")
	}
}

func TestIsChanged(t *testing.T) {
	p1 := []byte("sub vcl_recv { return (pass); }\n")
	p2 := []byte("sub vcl_recv { return (hash); }\n")

	if IsChanged(p1, Of(p1)) {
		t.Error("identical payload reported as changed")
	}
	if !IsChanged(p1, Of(p2)) {
		t.Error("distinct payloads reported as unchanged")
	}
	if !IsChanged(p2, Of(p1)) {
		t.Error("distinct payloads reported as unchanged (reversed)")
	}
	if IsChanged(p1, strings.ToUpper(Of(p1))) {
		t.Error("digest comparison should ignore hex case")
	}
	if !IsChanged(p1, "") {
		t.Error("empty remote digest should never match")
	}
}
