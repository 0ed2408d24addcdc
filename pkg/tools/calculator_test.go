package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateExpression(t *testing.T) {
	tests := []struct {
		expr     string
		expected string
	}{
		{"1+1", "2"},
		{"2*(3+4)", "14"},
		{"10/4", "2.5"},
		{"2^10", "1024"},
		{"2^3^2", "512"}, // right associative
		{"-5+3", "-2"},
		{"10 % 3", "1"},
		{" 1.5 * 2 ", "3"},
		{"(1+2)*(3-4)", "-3"},
		{"0.1+0.2", "0.3"},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			result, err := EvaluateExpression(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestEvaluateExpressionRejectsInvalid(t *testing.T) {
	invalid := []string{
		"",
		"1+",
		"(1+2",
		"1 2",
		"os.system('rm -rf /')",
		"__import__",
		"abc",
		"1/0",
		"5 % 0",
		"2**3", // power is ^, not **
	}
	for _, expr := range invalid {
		t.Run(expr, func(t *testing.T) {
			_, err := EvaluateExpression(expr)
			assert.Error(t, err)
		})
	}
}
