package thinkingfilter

import "testing"

func TestApplyStripsTagsKeepsContent(t *testing.T) {
	cases := map[string]string{
		"<think>deliberating</think>Answer: 42": "deliberating Answer: 42",
		"<THINKING>loud thoughts</THINKING>done": "loud thoughts done",
		"<thought>hmm</thought> final":           "hmm final",
		"<antThinking>x</antThinking>y":           "x y",
		"no tags here":                           "no tags here",
		"  <think>pad</think>  ":                 "pad",
	}
	for input, want := range cases {
		got := Apply(input)
		if got != want {
			t.Errorf("Apply(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	input := "<think>deliberating</think>Answer: 42"
	once := Apply(input)
	twice := Apply(once)
	if once != twice {
		t.Errorf("Apply not idempotent: once=%q twice=%q", once, twice)
	}
}
