package codeact

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/config"
)

// Names reserved by the interpreter itself.
const (
	printName       = "print"
	finalAnswerName = "final_answer"
)

// deniedIdentifiers are filesystem, network, and process primitives that
// code actions may never reference directly. Capabilities reach the code
// only as registered tools.
var deniedIdentifiers = map[string]struct{}{
	// filesystem
	"open": {}, "file": {}, "read_file": {}, "write_file": {}, "delete": {},
	"unlink": {}, "mkdir": {}, "rmdir": {}, "chmod": {}, "chown": {}, "glob": {},
	// network
	"socket": {}, "connect": {}, "bind": {}, "listen": {}, "curl": {},
	"wget": {}, "fetch": {}, "http_get": {}, "http_post": {},
	// process
	"exec": {}, "system": {}, "shell": {}, "spawn_process": {}, "fork": {},
	"kill": {}, "popen": {}, "eval": {}, "backtick": {},
}

// Validate rejects code actions before execution. The check is total and
// deterministic: unknown call names (unless declared by the tool lookup),
// denied identifiers anywhere, and import/require directives outside
// authorized_imports all fail.
func Validate(stmts []Statement, toolKnown func(name string) bool, agent config.AgentConfig) error {
	for _, stmt := range stmts {
		if stmt.Directive != "" {
			if !agent.ImportAuthorized(stmt.Directive) {
				return &ValidationError{Line: stmt.Line, Reason: fmt.Sprintf("import %q is not authorized", stmt.Directive)}
			}
			continue
		}

		call := stmt.Call
		if err := checkIdentifier(call.Name, stmt.Line); err != nil {
			return err
		}
		if call.Name != printName && call.Name != finalAnswerName && !toolKnown(call.Name) {
			return &ValidationError{Line: stmt.Line, Reason: fmt.Sprintf("unknown tool %q", call.Name)}
		}

		for _, v := range call.Positional {
			if err := checkValue(v, stmt.Line); err != nil {
				return err
			}
		}
		for _, v := range call.Named {
			if err := checkValue(v, stmt.Line); err != nil {
				return err
			}
		}
		if stmt.Assign != "" {
			if err := checkIdentifier(stmt.Assign, stmt.Line); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkValue(v any, line int) error {
	switch val := v.(type) {
	case Ref:
		return checkIdentifier(string(val), line)
	case []any:
		for _, e := range val {
			if err := checkValue(e, line); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkIdentifier(name string, line int) error {
	if _, denied := deniedIdentifiers[strings.ToLower(name)]; denied {
		return &ValidationError{Line: line, Reason: fmt.Sprintf("identifier %q is not permitted", name)}
	}
	return nil
}
