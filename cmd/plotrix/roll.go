package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/AliyahZombie/Plotrix/internal/dice"
)

// runRoll evaluates a dice expression without touching config or the
// network. Usage: roll [-seed N] <expr>. The expression may be split
// across arguments ("2d6 + 3").
func runRoll(stdout io.Writer, opts options, args []string) error {
	var seed *int64
	var parts []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-seed" && i+1 < len(args):
			v, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return fmt.Errorf("seed must be int: %q", args[i+1])
			}
			seed = &v
			i++
		case strings.HasPrefix(args[i], "-seed="):
			raw := strings.TrimPrefix(args[i], "-seed=")
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("seed must be int: %q", raw)
			}
			seed = &v
		default:
			parts = append(parts, args[i])
		}
	}
	expr := strings.TrimSpace(strings.Join(parts, ""))
	if expr == "" {
		return fmt.Errorf("usage: plotrix roll [-seed N] <expr>")
	}

	res, err := dice.Roll(expr, seed)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, res)
	}
	fmt.Fprintln(stdout, res.Text)
	return nil
}
