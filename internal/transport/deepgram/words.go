package deepgram

import "strings"

type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
	Confidence     float64
}

// Utterance is a run of consecutive words from one diarized speaker.
type Utterance struct {
	Speaker    int
	Text       string
	Start      float64
	End        float64
	Confidence float64
}

// GroupBySpeaker splits words into utterances at every speaker change. Words
// without a speaker label are grouped under -1. Confidence is the mean of the
// grouped words.
func GroupBySpeaker(words []Word) []Utterance {
	if len(words) == 0 {
		return nil
	}

	var out []Utterance
	var parts []string
	var current Utterance
	var confSum float64

	flush := func() {
		current.Text = strings.Join(parts, " ")
		current.Confidence = confSum / float64(len(parts))
		out = append(out, current)
	}

	for i, w := range words {
		speaker := -1
		if w.Speaker != nil {
			speaker = *w.Speaker
		}
		if i > 0 && speaker != current.Speaker {
			flush()
		}
		if i == 0 || speaker != current.Speaker {
			current = Utterance{Speaker: speaker, Start: w.Start}
			parts = parts[:0:0]
			confSum = 0
		}
		parts = append(parts, w.PunctuatedWord)
		confSum += w.Confidence
		current.End = w.End
	}
	flush()
	return out
}

// utteranceBuffer accumulates is_final words until speech_final or an
// utterance_end marks the utterance complete.
type utteranceBuffer struct {
	words []Word
}

func (b *utteranceBuffer) add(words []Word) {
	b.words = append(b.words, words...)
}

func (b *utteranceBuffer) flush() []Word {
	if len(b.words) == 0 {
		return nil
	}
	out := b.words
	b.words = nil
	return out
}
