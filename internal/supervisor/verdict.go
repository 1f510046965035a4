package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Conclusion string

const (
	Compliant    Conclusion = "compliant"
	NonCompliant Conclusion = "non_compliant"
	Unclear      Conclusion = "unclear"
)

// defaultConfidence applies when the model omits a confidence score.
const defaultConfidence = 0.9

// Verdict is the structured output of the reasoning phase.
type Verdict struct {
	Analysis       string     `json:"analysis" validate:"required"`
	Conclusion     Conclusion `json:"conclusion" validate:"required,oneof=compliant non_compliant unclear"`
	Citations      []string   `json:"citations"`
	Confidence     *float64   `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	ReasoningSteps []string   `json:"reasoning_steps,omitempty"`
}

var ErrVerdictParse = errors.New("reasoning verdict could not be parsed")

// VerdictParseError keeps the raw model output for diagnosis.
type VerdictParseError struct {
	Raw string
	Err error
}

func (e *VerdictParseError) Error() string {
	return fmt.Sprintf("%v: %v", ErrVerdictParse, e.Err)
}

func (e *VerdictParseError) Unwrap() error { return e.Err }

func (e *VerdictParseError) Is(target error) bool {
	return target == ErrVerdictParse
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseVerdict decodes and validates raw. Exactly one of the results is
// non-nil, and a non-nil error is always a *VerdictParseError.
func ParseVerdict(raw string) (*Verdict, error) {
	var v Verdict
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	if err := dec.Decode(&v); err != nil {
		return nil, &VerdictParseError{Raw: raw, Err: err}
	}
	if dec.More() {
		return nil, &VerdictParseError{Raw: raw, Err: errors.New("trailing data after verdict")}
	}
	if err := validate.Struct(&v); err != nil {
		return nil, &VerdictParseError{Raw: raw, Err: err}
	}
	if v.Citations == nil {
		v.Citations = []string{}
	}
	if v.Confidence == nil {
		c := defaultConfidence
		v.Confidence = &c
	}
	return &v, nil
}
