package scoring

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/pavelanni/proctor/internal/model"
)

// ErrInvalidOption is returned for option letters outside A-D.
var ErrInvalidOption = errors.New("invalid option")

// OptionSet is a set of option indices (0 = A ... 3 = D).
type OptionSet uint8

// ParseOptionSet builds a set from letters such as "db" or "B, D".
// Whitespace, commas and case are ignored; duplicates collapse.
func ParseOptionSet(letters string) (OptionSet, error) {
	var s OptionSet
	for _, r := range letters {
		if unicode.IsSpace(r) || r == ',' {
			continue
		}
		i, err := optionIndex(r)
		if err != nil {
			return 0, err
		}
		s |= 1 << i
	}
	return s, nil
}

func optionIndex(r rune) (int, error) {
	i := strings.IndexRune(model.OptionLetters, unicode.ToUpper(r))
	if i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOption, r)
	}
	return i, nil
}

// Toggle inserts the letter if absent and removes it if present.
func (s OptionSet) Toggle(letter string) (OptionSet, error) {
	letter = strings.TrimSpace(letter)
	if len([]rune(letter)) != 1 {
		return s, fmt.Errorf("%w: %q", ErrInvalidOption, letter)
	}
	i, err := optionIndex([]rune(letter)[0])
	if err != nil {
		return s, err
	}
	return s ^ 1<<i, nil
}

// Has reports whether option index i is in the set.
func (s OptionSet) Has(i int) bool {
	return i >= 0 && i < model.OptionCount && s&(1<<i) != 0
}

// Empty reports whether no option is selected.
func (s OptionSet) Empty() bool {
	return s == 0
}

// String returns the canonical sorted letters, e.g. "BD".
func (s OptionSet) String() string {
	var sb strings.Builder
	for i := 0; i < model.OptionCount; i++ {
		if s.Has(i) {
			sb.WriteByte(model.OptionLetters[i])
		}
	}
	return sb.String()
}

// Response is a candidate's in-progress answer to one question.
// Text carries single-choice letters and free-response prose; Choices
// carries multiple-choice selections.
type Response struct {
	Text    string
	Choices OptionSet
}

// Canonical serializes the response for storage given the question type.
func (r Response) Canonical(t model.QuestionType) string {
	if t == model.QuestionMultiple {
		return r.Choices.String()
	}
	return r.Text
}

// Responses maps question IDs to responses.
type Responses map[string]Response

// Clone returns an independent copy.
func (rs Responses) Clone() Responses {
	out := make(Responses, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}
