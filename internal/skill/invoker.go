package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"studioline/internal/domain"
)

// Client is the seam to the opaque generation capability. Timeouts belong to
// the implementation, not the callers.
type Client interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// Request carries one generation call: the skill's instruction template, the
// assembled input and the declared output contract.
type Request struct {
	SkillKey     string
	Prompt       string
	InputJSON    string
	OutputSchema string
}

// OutputContractError is the strict-validation hard failure: generated
// output missing a required field, with the offending payload attached for
// diagnosability.
type OutputContractError struct {
	SkillKey string
	Missing  []string
	Payload  json.RawMessage
}

func (e OutputContractError) Error() string {
	return fmt.Sprintf("skill %s output missing required field(s) %s; payload: %s",
		e.SkillKey, strings.Join(e.Missing, ", "), string(e.Payload))
}

// Invoker executes a resolved skill definition against the client. Warn is
// called for advisory findings (input-contract drift) and never aborts the
// call: inputs are system-assembled and trusted, outputs are not.
type Invoker struct {
	Client Client
	Warn   func(skillKey, msg string)
}

func (i Invoker) warn(skillKey, msg string) {
	if i.Warn != nil {
		i.Warn(skillKey, msg)
	}
}

// Invoke runs one skill call and strictly validates the output against the
// definition's contract.
func (i Invoker) Invoke(ctx context.Context, def domain.SkillDefinition, input map[string]any) (map[string]any, error) {
	if i.Client == nil {
		return nil, fmt.Errorf("skill client not configured")
	}
	if in, err := ParseSchema(def.InputSchema); err != nil {
		i.warn(def.SkillKey, fmt.Sprintf("input schema unparseable: %v", err))
	} else if missing := in.MissingRequired(input); len(missing) > 0 {
		i.warn(def.SkillKey, fmt.Sprintf("input missing declared field(s): %s", strings.Join(missing, ", ")))
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal skill input: %w", err)
	}
	raw, err := i.Client.Generate(ctx, Request{
		SkillKey:     def.SkillKey,
		Prompt:       def.Prompt,
		InputJSON:    string(inputJSON),
		OutputSchema: def.OutputSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("skill %s: %w", def.SkillKey, err)
	}

	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, OutputContractError{SkillKey: def.SkillKey, Missing: []string{"(not a JSON object)"}, Payload: raw}
	}
	out, err := ParseSchema(def.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("skill %s output schema: %w", def.SkillKey, err)
	}
	if missing := out.MissingRequired(output); len(missing) > 0 {
		return nil, OutputContractError{SkillKey: def.SkillKey, Missing: missing, Payload: raw}
	}
	return output, nil
}
