package integration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/synacktraa/cillow/internal/wire"
)

// evalFakeCode is a stand-in for a real language evaluator, just
// sophisticated enough to drive the suite's RunCode assertions: it
// turns print(...) calls into stdout lines and evaluates one trailing
// "a <op> b" integer expression, raising a division-by-zero exception
// the same shape a real interpreter would.
func evalFakeCode(code string) (stdoutLines []string, result *wire.ResultFrame, exc *wire.ExceptionInfoFrame) {
	var exprLine string
	for _, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if m := printCallRE.FindStringSubmatch(line); m != nil {
			stdoutLines = append(stdoutLines, strings.Trim(m[1], `'"`)+"\n")
			continue
		}
		exprLine = line
	}

	if exprLine == "" {
		value, _ := msgpack.Marshal(nil)
		return stdoutLines, &wire.ResultFrame{Value: value}, nil
	}

	value, err := evalArith(exprLine)
	if err != nil {
		return stdoutLines, nil, &wire.ExceptionInfoFrame{
			TypeName: "ZeroDivisionError",
			Message:  "division by zero",
			Location: `File "<string>", line 1`,
		}
	}
	encoded, _ := msgpack.Marshal(value)
	return stdoutLines, &wire.ResultFrame{Value: encoded}, nil
}

var printCallRE = regexp.MustCompile(`^print\((.*)\)$`)

func evalArith(expr string) (int, error) {
	for _, op := range []byte{'+', '-', '*', '/'} {
		idx := strings.IndexByte(expr, op)
		if idx <= 0 {
			continue
		}
		a, errA := strconv.Atoi(strings.TrimSpace(expr[:idx]))
		b, errB := strconv.Atoi(strings.TrimSpace(expr[idx+1:]))
		if errA != nil || errB != nil {
			continue
		}
		switch op {
		case '+':
			return a + b, nil
		case '-':
			return a - b, nil
		case '*':
			return a * b, nil
		case '/':
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return a / b, nil
		}
	}
	n, err := strconv.Atoi(expr)
	if err != nil {
		return 0, fmt.Errorf("cannot evaluate %q", expr)
	}
	return n, nil
}
