package repo

import "testing"

func TestGuess(t *testing.T) {
	t.Parallel()

	m := NewMimetypeMap()

	tests := []struct {
		filename string
		want     string
	}{
		{filename: "report.pdf", want: MimetypePDF},
		{filename: "notes.txt", want: MimetypeTextPlain},
		{filename: "page.HTML", want: MimetypeHTML},
		{filename: "message.eml", want: MimetypeRFC822},
		{filename: "photo.jpeg", want: "image/jpeg"},
		{filename: "archive.tar.gz", want: "application/gzip"},
		{filename: "data.unknown-ext", want: MimetypeBinary},
		{filename: "no extension", want: MimetypeBinary},
		{filename: "", want: MimetypeBinary},
	}

	for _, tt := range tests {
		if got := m.Guess(tt.filename); got != tt.want {
			t.Errorf("Guess(%q): got %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	m := NewMimetypeMap()

	m.Register("msg", "application/vnd.ms-outlook")
	if got := m.Guess("mail.msg"); got != "application/vnd.ms-outlook" {
		t.Errorf("Guess after Register without dot: got %q", got)
	}

	m.Register(".TXT", "text/custom")
	if got := m.Guess("readme.txt"); got != "text/custom" {
		t.Errorf("Guess after Register with mixed case: got %q", got)
	}
}
