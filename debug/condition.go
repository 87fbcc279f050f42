package debug

import "github.com/incantor/incant/script"

// evalCondition evaluates a breakpoint condition expression in the
// innermost frame and reduces the result to truthiness: nil and false
// mean the breakpoint does not fire.
func evalCondition(engine script.Engine, expr string) (bool, error) {
	frames := engine.Stack()
	if len(frames) == 0 {
		return false, nil
	}
	result, err := engine.EvaluateInFrame(frames[0].ID, expr)
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return true, nil
}
