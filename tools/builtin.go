package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"time"
)

func NewCalculator() Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Arithmetic expression, e.g. (2+3)*4 or 10/4.",
			},
		},
		"required": []string{"expression"},
	}
	return NewFuncTool("calculator", "Evaluate arithmetic expressions with +, -, *, / and parentheses.", schema,
		func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Expression string `json:"expression"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid calculator args: %w", err)
			}
			value, err := evaluate(in.Expression)
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": value}, nil
		})
}

// evaluate folds an arithmetic expression with exact rational constants.
// Integer literals are promoted so 10/4 yields 2.5.
func evaluate(expression string) (string, error) {
	if strings.TrimSpace(expression) == "" {
		return "", fmt.Errorf("expression is required")
	}
	node, err := parser.ParseExpr(expression)
	if err != nil {
		return "", fmt.Errorf("failed to parse expression: %w", err)
	}
	value, err := fold(node)
	if err != nil {
		return "", err
	}
	f, _ := constant.Float64Val(value)
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func fold(node ast.Expr) (constant.Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return constant.ToFloat(constant.MakeFromLiteral(n.Value, n.Kind, 0)), nil
	case *ast.ParenExpr:
		return fold(n.X)
	case *ast.UnaryExpr:
		x, err := fold(n.X)
		if err != nil {
			return nil, err
		}
		if n.Op != token.ADD && n.Op != token.SUB {
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}
		return constant.UnaryOp(n.Op, x, 0), nil
	case *ast.BinaryExpr:
		x, err := fold(n.X)
		if err != nil {
			return nil, err
		}
		y, err := fold(n.Y)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD, token.SUB, token.MUL:
		case token.QUO:
			if constant.Sign(y) == 0 {
				return nil, fmt.Errorf("division by zero")
			}
		default:
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}
		return constant.BinaryOp(x, n.Op, y), nil
	default:
		return nil, fmt.Errorf("unsupported expression %T", node)
	}
}

func NewClock() Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{"type": "string", "description": "IANA zone name, default UTC."},
		},
	}
	return NewFuncTool("clock", "Return the current time in RFC 3339.", schema,
		func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Timezone string `json:"timezone"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid clock args: %w", err)
				}
			}
			loc := time.UTC
			if tz := strings.TrimSpace(in.Timezone); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			return map[string]any{"now": time.Now().In(loc).Format(time.RFC3339)}, nil
		})
}
