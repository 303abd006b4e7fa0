package model

// ResponseKind discriminates the NormalizedResponse variants.
type ResponseKind string

const (
	KindSentenceSet      ResponseKind = "sentence-set"
	KindMessageText      ResponseKind = "message-text"
	KindGapAnswers       ResponseKind = "gap-answers"
	KindTranslationPairs ResponseKind = "translation-pairs"
	KindExtendedText     ResponseKind = "extended-text"
)

// NormalizedResponse is a student response in canonical form. It is
// derived from the raw payload on every grading call and never persisted.
type NormalizedResponse interface {
	Kind() ResponseKind
}

// SentenceSet holds the five photo-description sentences.
type SentenceSet struct {
	Sentences [5]string
}

func (SentenceSet) Kind() ResponseKind { return KindSentenceSet }

// MessageText is a short message response.
type MessageText struct {
	Text      string
	WordCount int
}

func (MessageText) Kind() ResponseKind { return KindMessageText }

// GapAnswers holds one answer per gap, in question order.
type GapAnswers struct {
	Answers []string
}

func (GapAnswers) Kind() ResponseKind { return KindGapAnswers }

// TranslationPair is a source sentence and the student's translation.
type TranslationPair struct {
	Source string
	Target string
}

// TranslationPairs is a translation response.
type TranslationPairs struct {
	Pairs []TranslationPair
}

func (TranslationPairs) Kind() ResponseKind { return KindTranslationPairs }

// ExtendedText is an extended writing response.
type ExtendedText struct {
	Text      string
	WordCount int
}

func (ExtendedText) Kind() ResponseKind { return KindExtendedText }
