package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"spool/pkg/models"
)

// Evaluator compiles expressions over a decoded message. Expressions see
//
//	id        string
//	source    string
//	input     string
//	node      string
//	codec     string
//	streams   list(string)
//	fields    map(string, dyn)
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("input", cel.StringType),
		cel.Variable("node", cel.StringType),
		cel.Variable("codec", cel.StringType),
		cel.Variable("streams", cel.ListType(cel.StringType)),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// Program is a compiled boolean expression. It is safe for concurrent use.
type Program struct {
	expression string
	program    cel.Program
}

func (p *Program) Expression() string {
	return p.expression
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// CompileFilter compiles an expression that must evaluate to bool.
func (e *Evaluator) CompileFilter(expression string) (*Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Program{expression: expression, program: program}, nil
}

func (p *Program) Eval(ctx context.Context, msg *models.Message) (bool, error) {
	streams := msg.Streams
	if streams == nil {
		streams = []string{}
	}
	fields := msg.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}

	result, _, err := p.program.ContextEval(ctx, map[string]interface{}{
		"id":      msg.ID,
		"source":  msg.GetString(models.FieldSource),
		"input":   msg.Source.InputID,
		"node":    msg.Source.NodeID,
		"codec":   msg.Codec,
		"streams": streams,
		"fields":  fields,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}
