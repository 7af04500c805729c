// Package reasoning provides the AI backends used for failure diagnosis.
package reasoning

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a backend produces no completion text.
var ErrEmptyResponse = errors.New("reasoning backend returned no completion")

// Reasoner submits a prompt and returns the raw response text.
type Reasoner interface {
	Diagnose(ctx context.Context, prompt string) (string, error)
}

// Static returns a fixed response or error. Used in tests and dry runs.
type Static struct {
	Response string
	Err      error
	Prompts  []string
}

// Diagnose implements Reasoner.
func (s *Static) Diagnose(_ context.Context, prompt string) (string, error) {
	s.Prompts = append(s.Prompts, prompt)
	if s.Err != nil {
		return "", s.Err
	}
	return s.Response, nil
}
