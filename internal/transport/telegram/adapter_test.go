package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		in        string
		parseMode string
		want      []string
	}{
		{name: "fits", in: "short", want: []string{"short"}},
		{name: "hard cut", in: "abcdefghijKLMNO", want: []string{"abcdefghij", "KLMNO"}},
		{name: "newline", in: "abcd\nefghijklm", want: []string{"abcd", "efghijklm"}},
		{name: "no tiny chunk", in: "a\nbcdefghijkl", want: []string{"a\nbcdefghi", "jkl"}},
		{name: "html tag kept whole", in: "<b>x</b> <i>yz</i>", parseMode: "HTML", want: []string{"<b>x</b> ", "<i>yz</i>"}},
		{name: "plain ignores tags", in: "<b>x</b> <i>yz</i>", want: []string{"<b>x</b> <", "i>yz</i>"}},
		{name: "runes", in: strings.Repeat("報", 12), want: []string{strings.Repeat("報", 10), strings.Repeat("報", 2)}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tc.in, 10, tc.parseMode)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestDocumentCaption(t *testing.T) {
	t.Parallel()

	if got := documentCaption("report.docx"); got != "report.docx" {
		t.Fatalf("caption=%q", got)
	}
	long := strings.Repeat("é", telegramCaptionLimit+6)
	got := documentCaption(long)
	if utf8.RuneCountInString(got) != telegramCaptionLimit || !utf8.ValidString(got) {
		t.Fatalf("caption has %d runes", utf8.RuneCountInString(got))
	}
}
