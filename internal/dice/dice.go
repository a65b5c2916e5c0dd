// Package dice evaluates tabletop dice expressions such as "2d6+1",
// "4d6kh3", "1d%", "4dF" and "3d6!".
//
// # Grammar
//
// An expression is a signed sum of terms. A term is an integer or a dice
// term [N]d<S> where S is a positive integer, "%" (100) or "F" (fudge,
// each die is -1, 0 or +1). A dice term may carry "!" (explode: a die
// showing its maximum is rolled again) and at most one of kh<k>, kl<k>,
// dh<k>, dl<k> (keep highest/lowest, drop highest/lowest). Whitespace is
// ignored everywhere.
//
// # Determinism
//
// Given the same expression and seed, Roll always produces the same Result.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

const (
	// MaxExplodeRolls bounds the dice rolled for one exploding term.
	MaxExplodeRolls = 1000

	// MaxCount bounds the number of dice in a single term.
	MaxCount = 10000
)

// ErrSyntax is wrapped by every [SyntaxError].
var ErrSyntax = errors.New("dice syntax error")

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return e.Msg }

// Unwrap lets callers match with errors.Is(err, ErrSyntax).
func (e *SyntaxError) Unwrap() error { return ErrSyntax }

func syntaxErr(format string, args ...any) error {
	return &SyntaxError{Msg: fmt.Sprintf(format, args...)}
}

// Sides is the face count of a die. [Fudge] marks fudge dice.
type Sides int

// Fudge is the Sides value for fudge dice.
const Fudge Sides = -1

func (s Sides) String() string {
	if s == Fudge {
		return "F"
	}
	return strconv.Itoa(int(s))
}

// MarshalJSON encodes fudge dice as "F" and everything else as a number.
func (s Sides) MarshalJSON() ([]byte, error) {
	if s == Fudge {
		return []byte(`"F"`), nil
	}
	return strconv.AppendInt(nil, int64(s), 10), nil
}

// KeepDrop is a keep/drop modifier: Op is one of kh, kl, dh, dl.
type KeepDrop struct {
	Op string `json:"op"`
	N  int    `json:"n"`
}

// Term is one evaluated term of an expression.
type Term struct {
	Type     string    `json:"type"` // "int" or "dice"
	Sign     int       `json:"sign"`
	Value    int       `json:"value,omitempty"`
	Count    int       `json:"count,omitempty"`
	Sides    Sides     `json:"sides,omitempty"`
	Explode  bool      `json:"explode,omitempty"`
	KeepDrop *KeepDrop `json:"keep_drop,omitempty"`
	Rolls    []int     `json:"rolls,omitempty"`
	Kept     []int     `json:"kept,omitempty"`
	Subtotal int       `json:"subtotal"`
	Display  string    `json:"display,omitempty"`
}

// Result is the outcome of rolling an expression.
type Result struct {
	Expr  string `json:"expr"`
	Total int    `json:"total"`
	Terms []Term `json:"terms"`
	Text  string `json:"text"`
}

// Roll parses and evaluates expression. A nil seed draws a fresh
// random seed.
func Roll(expression string, seed *int64) (*Result, error) {
	var s int64
	if seed != nil {
		s = *seed
	} else {
		var err error
		if s, err = NewSeed(); err != nil {
			return nil, err
		}
	}
	return RollWithRand(expression, rand.New(rand.NewSource(s)))
}

// RollWithRand evaluates expression using rng.
func RollWithRand(expression string, rng *rand.Rand) (*Result, error) {
	expr := stripSpace(expression)
	parts, err := parse(expr)
	if err != nil {
		return nil, err
	}

	res := &Result{Expr: expr, Terms: make([]Term, 0, len(parts))}
	texts := make([]string, 0, len(parts))

	for _, p := range parts {
		if p.dice == nil {
			sub := p.sign * p.value
			res.Total += sub
			texts = append(texts, strconv.Itoa(sub))
			res.Terms = append(res.Terms, Term{Type: "int", Sign: p.sign, Value: p.value, Subtotal: sub})
			continue
		}

		d := p.dice
		rolls, kept := d.roll(rng)
		sub := p.sign * sum(kept)
		res.Total += sub

		shown := joinInts(rolls, "+")
		if d.keepDrop != nil {
			shown = "[" + joinInts(rolls, ", ") + "] -> [" + joinInts(kept, ", ") + "]"
		}
		if p.sign < 0 {
			texts = append(texts, "-("+shown+")")
		} else {
			texts = append(texts, "("+shown+")")
		}

		res.Terms = append(res.Terms, Term{
			Type:     "dice",
			Sign:     p.sign,
			Count:    d.count,
			Sides:    d.sides,
			Explode:  d.explode,
			KeepDrop: d.keepDrop,
			Rolls:    rolls,
			Kept:     kept,
			Subtotal: sub,
			Display:  d.display(),
		})
	}

	breakdown := strings.ReplaceAll(strings.Join(texts, " + "), "+ -", "- ")
	res.Text = fmt.Sprintf("%s => %s = %d", expr, breakdown, res.Total)
	return res, nil
}

type part struct {
	sign  int
	value int
	dice  *diceTerm
}

type diceTerm struct {
	count    int
	sides    Sides
	explode  bool
	keepDrop *KeepDrop
}

func (d *diceTerm) display() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%dd%s", d.count, d.sides)
	if d.keepDrop != nil {
		fmt.Fprintf(&b, "%s%d", d.keepDrop.Op, d.keepDrop.N)
	}
	if d.explode {
		b.WriteByte('!')
	}
	return b.String()
}

func (d *diceTerm) rollOne(rng *rand.Rand) int {
	if d.sides == Fudge {
		return rng.Intn(3) - 1
	}
	return rng.Intn(int(d.sides)) + 1
}

func (d *diceTerm) roll(rng *rand.Rand) (rolls, kept []int) {
	rolls = make([]int, 0, d.count)
	for range d.count {
		r := d.rollOne(rng)
		rolls = append(rolls, r)
		if !d.explode || d.sides == Fudge {
			continue
		}
		for r == int(d.sides) && len(rolls) < MaxExplodeRolls {
			r = d.rollOne(rng)
			rolls = append(rolls, r)
		}
	}

	if d.keepDrop == nil {
		return rolls, slices.Clone(rolls)
	}

	keep := d.keepDrop.Op == "kh" || d.keepDrop.Op == "kl"
	k := d.keepDrop.N
	switch {
	case k <= 0:
		if keep {
			return rolls, []int{}
		}
		return rolls, slices.Clone(rolls)
	case k >= len(rolls):
		if keep {
			return rolls, slices.Clone(rolls)
		}
		return rolls, []int{}
	}

	sorted := slices.Clone(rolls)
	slices.Sort(sorted)
	switch d.keepDrop.Op {
	case "kh":
		kept = sorted[len(sorted)-k:]
	case "kl":
		kept = sorted[:k]
	case "dh":
		kept = sorted[:len(sorted)-k]
	default: // dl
		kept = sorted[k:]
	}
	return rolls, kept
}

// parse splits a whitespace-free expression into signed terms.
func parse(s string) ([]part, error) {
	if s == "" {
		return nil, syntaxErr("empty expression")
	}

	var parts []part
	for i := 0; i < len(s); {
		sign := 1
		if s[i] == '+' || s[i] == '-' {
			if s[i] == '-' {
				sign = -1
			}
			i++
			if i >= len(s) {
				return nil, syntaxErr("dangling operator")
			}
		}

		p, next, err := parseTerm(s, i)
		if err != nil {
			return nil, err
		}
		p.sign = sign
		parts = append(parts, p)
		i = next
	}
	return parts, nil
}

func parseTerm(s string, i int) (part, int, error) {
	n, ok, j, err := parseInt(s, i)
	if err != nil {
		return part{}, i, err
	}

	if j >= len(s) || (s[j] != 'd' && s[j] != 'D') {
		if !ok {
			return part{}, i, syntaxErr("expected a number or dice term")
		}
		return part{value: n}, j, nil
	}

	d := &diceTerm{count: 1}
	if ok {
		d.count = n
	}
	if d.count <= 0 {
		return part{}, i, syntaxErr("dice count must be >= 1")
	}
	if d.count > MaxCount {
		return part{}, i, syntaxErr("dice count must be <= %d", MaxCount)
	}

	i = j + 1
	if i >= len(s) {
		return part{}, i, syntaxErr("missing dice sides")
	}
	switch s[i] {
	case '%':
		d.sides = 100
		i++
	case 'f', 'F':
		d.sides = Fudge
		i++
	default:
		sides, ok, next, err := parseInt(s, i)
		if err != nil {
			return part{}, i, err
		}
		if !ok {
			return part{}, i, syntaxErr("invalid dice sides")
		}
		if sides <= 0 {
			return part{}, i, syntaxErr("dice sides must be >= 1")
		}
		d.sides = Sides(sides)
		i = next
	}

	for i < len(s) {
		if s[i] == '!' {
			d.explode = true
			i++
			continue
		}
		if i+1 >= len(s) {
			break
		}
		op := strings.ToLower(s[i : i+2])
		if op != "kh" && op != "kl" && op != "dh" && op != "dl" {
			break
		}
		if d.keepDrop != nil {
			return part{}, i, syntaxErr("only one of kh/kl/dh/dl is supported")
		}
		k, ok, next, err := parseInt(s, i+2)
		if err != nil {
			return part{}, i, err
		}
		if !ok {
			return part{}, i, syntaxErr("%s requires a number", op)
		}
		d.keepDrop = &KeepDrop{Op: op, N: k}
		i = next
	}

	return part{dice: d}, i, nil
}

// parseInt reads a run of ASCII digits starting at i. ok is false when
// no digit is present.
func parseInt(s string, i int) (n int, ok bool, next int, err error) {
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		return 0, false, i, nil
	}
	n, err = strconv.Atoi(s[i:j])
	if err != nil {
		return 0, false, i, syntaxErr("number too large: %s", s[i:j])
	}
	return n, true, j, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func sum(vals []int) int {
	total := 0
	for _, v := range vals {
		total += v
	}
	return total
}

func joinInts(vals []int, sep string) string {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = strconv.Itoa(v)
	}
	return strings.Join(strs, sep)
}
