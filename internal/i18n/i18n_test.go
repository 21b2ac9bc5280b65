package i18n

import "testing"

func TestBundleFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		locale string
		key    string
		args   []any
		want   string
	}{
		{
			name:   "english received by smtp",
			locale: "en",
			key:    KeyReceivedBySMTP,
			args:   []any{"alice@example.com"},
			want:   "Received via inbound mail from alice@example.com",
		},
		{
			name:   "german received by smtp",
			locale: "de",
			key:    KeyReceivedBySMTP,
			args:   []any{"alice@example.com"},
			want:   "Per eingehender Mail empfangen von alice@example.com",
		},
		{
			name:   "english default subject",
			locale: "en",
			key:    KeyDefaultSubject,
			args:   []any{"23-08-2026-10-30-00"},
			want:   "No subject (23-08-2026-10-30-00)",
		},
		{
			name:   "unknown locale falls back to english",
			locale: "fr",
			key:    KeyDefaultSubject,
			args:   []any{"x"},
			want:   "No subject (x)",
		},
		{
			name:   "empty locale falls back to english",
			locale: "",
			key:    KeyMailReadError,
			args:   []any{"disk full"},
			want:   "Failed to read mail content: disk full",
		},
		{
			name:   "region variant resolves to base language",
			locale: "de-AT",
			key:    KeyDefaultSubject,
			args:   []any{"x"},
			want:   "Kein Betreff (x)",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewBundle(tt.locale)
			if got := b.Format(tt.key, tt.args...); got != tt.want {
				t.Errorf("Format(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
