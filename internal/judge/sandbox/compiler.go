package sandbox

import "strings"

// Compiler turns a judge script into the code the sandbox runs. ok is false
// when the script has nothing runnable.
type Compiler interface {
	Compile(source string) (compiled string, ok bool)
}

// PassthroughCompiler hands the script over unchanged.
type PassthroughCompiler struct{}

func (PassthroughCompiler) Compile(source string) (string, bool) {
	if strings.TrimSpace(source) == "" {
		return "", false
	}
	return source, true
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(source string) (string, bool)

func (f CompilerFunc) Compile(source string) (string, bool) { return f(source) }
