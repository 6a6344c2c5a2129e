// Package tools binds tool names to a parameter schema and an executor.
//
// A Registry is immutable once built and can be shared by any number of
// agents and conversations. Execute never returns a Go error for the three
// tool failure kinds (unknown tool, invalid arguments, execution failure);
// they are carried in the Result so the caller can report them back to the
// model as a tool message.
//
// Usage:
//
//	reg, err := tools.NewRegistry(tools.Spec{
//		Name:        "search_hotels",
//		Description: "Search hotels in a city",
//		Parameters:  []tools.Parameter{{Name: "city", Type: "string", Description: "City name", Required: true}},
//		Tool: tools.Func(func(ctx context.Context, args map[string]interface{}) (string, error) {
//			return "Hotels in " + args["city"].(string), nil
//		}),
//	})
package tools
