package detector

import (
	"testing"
)

func TestDetector_DetectISO(t *testing.T) {
	d := New()

	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{name: "empty text", text: "", want: "", wantOK: false},
		{name: "whitespace", text: "   \n", want: "", wantOK: false},
		{
			name:   "english stanza",
			text:   "The river remembers every stone it has ever carried to the sea.",
			want:   "en",
			wantOK: true,
		},
		{
			name:   "ukrainian stanza",
			text:   "Річка пам'ятає кожен камінь, який вона несла до моря.",
			want:   "uk",
			wantOK: true,
		},
		{
			name:   "spanish stanza",
			text:   "El río recuerda cada piedra que ha llevado hasta el mar.",
			want:   "es",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.DetectISO(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("DetectISO(%q) ok = %v, want %v", tt.text, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("DetectISO(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
