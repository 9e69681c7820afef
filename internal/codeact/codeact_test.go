package codeact

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/tools"
)

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	r.Register(&tools.Func{
		ToolName: "search",
		Desc:     "Searches.",
		Schema: tools.Schema{Params: map[string]tools.Param{
			"query": {Type: tools.TypeString, Required: true},
		}},
		CalleeRun: func(_ context.Context, args map[string]any) (any, error) {
			return "results for " + args["query"].(string), nil
		},
	})
	r.Register(&tools.Func{
		ToolName: "add",
		Desc:     "Adds numbers.",
		Schema: tools.Schema{Params: map[string]tools.Param{
			"a": {Type: tools.TypeNumber, Required: true},
			"b": {Type: tools.TypeNumber, Required: true},
		}},
		CalleeRun: func(_ context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	})
	r.Register(&tools.Func{
		ToolName: "slow",
		Desc:     "Blocks until cancelled.",
		Schema:   tools.Schema{},
		CalleeRun: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	return r
}

func testExecutor(t *testing.T, agent config.AgentConfig) *Executor {
	t.Helper()
	registry := testRegistry(t)
	invoker := tools.NewInvoker(registry, bus.New(), nil)
	return NewExecutor(invoker, registry.Has, agent)
}

func TestExtractCodeDelimiterOrder(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"language fence", "Thought.\n```ruby\nfinal_answer(4)\n```", "final_answer(4)"},
		{"plain fence", "```\nsearch(query: \"x\")\n```", `search(query: "x")`},
		{"code tag", "<code>final_answer(answer: 4)</code>", "final_answer(answer: 4)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractCode(tt.raw)
			if err != nil {
				t.Fatalf("ExtractCode: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := ExtractCode("no code here"); err == nil {
		t.Error("missing block should fail")
	} else {
		var pe *ParsingError
		if !errors.As(err, &pe) {
			t.Errorf("want ParsingError, got %T", err)
		}
	}
}

func TestParseStatements(t *testing.T) {
	code := `# find the answer
x = search(query: "Ruby news")
print("got", $x)
final_answer($x)`

	stmts, err := Parse(code)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3", len(stmts))
	}
	if stmts[0].Assign != "x" || stmts[0].Call.Name != "search" {
		t.Errorf("stmt 0 = %+v", stmts[0])
	}
	if stmts[0].Call.Named["query"] != "Ruby news" {
		t.Errorf("query arg = %v", stmts[0].Call.Named["query"])
	}
	if stmts[1].Call.Name != "print" || len(stmts[1].Call.Positional) != 2 {
		t.Errorf("stmt 1 = %+v", stmts[1])
	}
	if ref, ok := stmts[2].Call.Positional[0].(Ref); !ok || ref != "x" {
		t.Errorf("final_answer arg = %v", stmts[2].Call.Positional[0])
	}
}

func TestParseLiterals(t *testing.T) {
	stmts, err := Parse(`search(query: "a, b", limit: 3, ratio: 0.5, flag: true, tags: ["x", "y"], none: null)`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	named := stmts[0].Call.Named
	if named["query"] != "a, b" {
		t.Errorf("string = %v", named["query"])
	}
	if named["limit"] != int64(3) {
		t.Errorf("int = %v (%T)", named["limit"], named["limit"])
	}
	if named["ratio"] != 0.5 {
		t.Errorf("float = %v", named["ratio"])
	}
	if named["flag"] != true {
		t.Errorf("bool = %v", named["flag"])
	}
	tags := named["tags"].([]any)
	if len(tags) != 2 || tags[0] != "x" {
		t.Errorf("array = %v", tags)
	}
	if named["none"] != nil {
		t.Errorf("null = %v", named["none"])
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, code := range []string{
		"search(query: \"unterminated",
		"search(query: [1, 2",
		"not a call",
		"1bad = search(query: \"x\")",
	} {
		if _, err := Parse(code); err == nil {
			t.Errorf("Parse(%q) should fail", code)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	agent := config.DefaultAgentConfig().WithAuthorizedImports("json")
	known := func(name string) bool { return name == "search" }

	tests := []struct {
		name string
		code string
		ok   bool
	}{
		{"known tool", `search(query: "x")`, true},
		{"unknown tool", `hack(target: "x")`, false},
		{"denied identifier call", `exec(cmd: "rm -rf /")`, false},
		{"denied identifier ref", `search(query: $system)`, false},
		{"authorized import", "import: json\nsearch(query: \"x\")", true},
		{"unauthorized import", "require: socket", false},
		{"builtin print", `print("hi")`, true},
		{"builtin final answer", `final_answer(42)`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts, err := Parse(tt.code)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			err = Validate(stmts, known, agent)
			if (err == nil) != tt.ok {
				t.Errorf("Validate = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestRunFinalAnswer(t *testing.T) {
	e := testExecutor(t, config.DefaultAgentConfig())

	out := e.Run(context.Background(), "<code>final_answer(answer: 4)</code>", nil)

	if out.State != StateFinalAnswer {
		t.Fatalf("state = %s, err = %v", out.State, out.Err)
	}
	if out.Value != int64(4) {
		t.Errorf("value = %v (%T)", out.Value, out.Value)
	}
}

func TestRunToolChain(t *testing.T) {
	e := testExecutor(t, config.DefaultAgentConfig())

	code := "```\n" +
		"x = search(query: \"Ruby news\")\n" +
		"print(\"found\", $x)\n" +
		"final_answer($x)\n" +
		"```"
	out := e.Run(context.Background(), code, nil)

	if out.State != StateFinalAnswer {
		t.Fatalf("state = %s, err = %v", out.State, out.Err)
	}
	if out.Value != "results for Ruby news" {
		t.Errorf("value = %v", out.Value)
	}
	joined := strings.Join(out.Logs, "\n")
	if !strings.Contains(joined, "found results for Ruby news") {
		t.Errorf("logs = %v", out.Logs)
	}
}

func TestRunInjectedVariables(t *testing.T) {
	e := testExecutor(t, config.DefaultAgentConfig())

	out := e.Run(context.Background(), "```\nfinal_answer($task_input)\n```",
		map[string]any{"task_input": "seeded"})

	if out.State != StateFinalAnswer || out.Value != "seeded" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRunUnboundReference(t *testing.T) {
	e := testExecutor(t, config.DefaultAgentConfig())

	out := e.Run(context.Background(), "```\nfinal_answer($ghost)\n```", nil)

	if out.State != StateError {
		t.Fatalf("state = %s", out.State)
	}
	var ie *InterpreterError
	if !errors.As(out.Err, &ie) || !strings.Contains(ie.Reason, "unbound") {
		t.Errorf("err = %v", out.Err)
	}
}

func TestRunOperationBudget(t *testing.T) {
	e := testExecutor(t, config.DefaultAgentConfig())
	e.MaxOperations = 5

	var sb strings.Builder
	sb.WriteString("```\n")
	for i := 0; i < 10; i++ {
		sb.WriteString("search(query: \"x\")\n")
	}
	sb.WriteString("```")

	out := e.Run(context.Background(), sb.String(), nil)

	if out.State != StateError {
		t.Fatalf("state = %s", out.State)
	}
	var ie *InterpreterError
	if !errors.As(out.Err, &ie) || ie.Reason != "operation budget exceeded" {
		t.Errorf("err = %v", out.Err)
	}
}

func TestRunTimeout(t *testing.T) {
	e := testExecutor(t, config.DefaultAgentConfig())
	e.Timeout = 20 * time.Millisecond

	out := e.Run(context.Background(), "```\nslow()\nprint(\"never\")\n```", nil)

	if out.State != StateError {
		t.Fatalf("state = %s, value = %v", out.State, out.Value)
	}
	if out.Duration < 20*time.Millisecond {
		t.Errorf("duration = %s, expected to wait out the timeout", out.Duration)
	}
}

func TestRunReportsToolFailure(t *testing.T) {
	e := testExecutor(t, config.DefaultAgentConfig())

	// Missing required argument fails schema validation inside the invoker.
	out := e.Run(context.Background(), "```\nsearch()\n```", nil)

	if out.State != StateError {
		t.Fatalf("state = %s", out.State)
	}
	if !strings.Contains(out.Err.Error(), "tool call failed") {
		t.Errorf("err = %v", out.Err)
	}
}
