// Package demo holds the travel agency and math tutor agents used by the
// CLI and the gateway when no catalog file is configured.
package demo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/harun/switchboard/pkg/tools"
)

// Tools returns the demo tool set
func Tools() tools.Set {
	return tools.NewSet(Calculator(), SearchFlights(), SearchHotels())
}

// Calculator performs basic arithmetic
func Calculator() tools.Spec {
	return tools.Spec{
		Name:        "calculator",
		Description: "Performs basic arithmetic operations.",
		Parameters: []tools.Parameter{
			{Name: "a", Type: "number", Description: "First operand", Required: true},
			{Name: "b", Type: "number", Description: "Second operand", Required: true},
			{
				Name:        "operation",
				Type:        "string",
				Description: "Operation to apply",
				Required:    true,
				Enum:        []string{"add", "subtract", "multiply"},
			},
		},
		Tool: tools.Func(calculate),
	}
}

func calculate(ctx context.Context, args map[string]interface{}) (string, error) {
	a, err := number(args, "a")
	if err != nil {
		return "", err
	}
	b, err := number(args, "b")
	if err != nil {
		return "", err
	}

	var result float64
	switch op, _ := args["operation"].(string); op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	default:
		return "", fmt.Errorf("unsupported operation: %q", op)
	}

	return strconv.FormatFloat(result, 'f', -1, 64), nil
}

func number(args map[string]interface{}, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

// SearchFlights returns canned flight results
func SearchFlights() tools.Spec {
	return tools.Spec{
		Name:        "search_flights",
		Description: "Search for flights",
		Parameters: []tools.Parameter{
			{Name: "destination", Type: "string", Description: "Destination city", Required: true},
			{Name: "date", Type: "string", Description: "Travel date", Required: true},
		},
		Tool: tools.Func(func(ctx context.Context, args map[string]interface{}) (string, error) {
			return fmt.Sprintf("Found flights to %s on %s: AA123, UA456.", args["destination"], args["date"]), nil
		}),
	}
}

// SearchHotels returns canned hotel results
func SearchHotels() tools.Spec {
	return tools.Spec{
		Name:        "search_hotels",
		Description: "Search for hotels",
		Parameters: []tools.Parameter{
			{Name: "city", Type: "string", Description: "City to search", Required: true},
		},
		Tool: tools.Func(func(ctx context.Context, args map[string]interface{}) (string, error) {
			return fmt.Sprintf("Found hotels in %s: Marriott, Hilton.", args["city"]), nil
		}),
	}
}
