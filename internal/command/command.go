// Package command builds diagnostic command requests from an allow-list.
//
// Every argument is parsed against a per-command grammar: flags must be
// known for that command, flag values and positional arguments are typed
// and validated. The result is an argv, never a shell string.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownCommand is returned for commands outside the allow-list.
	ErrUnknownCommand = errors.New("command not allowed")
	// ErrArgumentNotAllowed is returned for flags the command does not accept.
	ErrArgumentNotAllowed = errors.New("argument not allowed")
	// ErrInvalidValue is returned when a flag value or positional argument
	// fails validation.
	ErrInvalidValue = errors.New("invalid argument value")
	// ErrMissingArgument is returned when a required value is absent.
	ErrMissingArgument = errors.New("missing argument")
	// ErrTooManyArguments is returned when the argument count exceeds the
	// command's grammar.
	ErrTooManyArguments = errors.New("too many arguments")
)

const (
	maxArgs     = 16
	maxArgLen   = 255
	maxHostLen  = 253
	maxPathSegs = 32
)

// Error ties a rejection to the command and argument that caused it.
type Error struct {
	Command string
	Arg     string
	Err     error
}

func (e *Error) Error() string {
	if e.Arg == "" {
		return fmt.Sprintf("command %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %s: argument %q: %v", e.Command, e.Arg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Request is a validated diagnostic command. Construct it with New or Parse.
type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Argv returns the command followed by its arguments.
func (r Request) Argv() []string {
	argv := make([]string, 0, len(r.Args)+1)
	argv = append(argv, r.Command)
	return append(argv, r.Args...)
}

// String renders the request for logs.
func (r Request) String() string {
	return strings.Join(r.Argv(), " ")
}

// Result is what the execution collaborator reports back.
type Result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Success reports whether the command ran and exited cleanly.
func (r Result) Success() bool {
	return r.Error == "" && r.ExitCode == 0
}

type valueKind int

const (
	valueNone valueKind = iota
	valueInt
	valueEnum
	valueHost
	valueIP
	valuePath
)

type argSpec struct {
	kind     valueKind
	min, max int
	enum     []string
}

type commandSpec struct {
	flags map[string]argSpec
	// positional describes bare arguments; minPos/maxPos bound their count.
	positional     argSpec
	minPos, maxPos int
}

var (
	flag       = argSpec{kind: valueNone}
	formatFlag = argSpec{kind: valueEnum, enum: []string{"table", "list", "csv"}}
)

// allowed is the complete set of diagnostic commands and their grammar.
var allowed = map[string]commandSpec{
	"netstat": {
		flags: map[string]argSpec{
			"-a": flag, "-n": flag, "-o": flag, "-b": flag,
			"-e": flag, "-s": flag, "-r": flag,
			"-p": {kind: valueEnum, enum: []string{"tcp", "udp", "tcpv6", "udpv6", "ip", "ipv6", "icmp", "icmpv6"}},
		},
	},
	"tasklist": {
		flags: map[string]argSpec{
			"/v": flag, "/svc": flag, "/m": flag, "/nh": flag,
			"/fo": formatFlag,
		},
	},
	"systeminfo": {
		flags: map[string]argSpec{
			"/nh": flag,
			"/fo": formatFlag,
		},
	},
	"ipconfig": {
		flags: map[string]argSpec{
			"/all": flag, "/displaydns": flag,
		},
	},
	"dir": {
		flags: map[string]argSpec{
			"/a": flag, "/b": flag, "/s": flag, "/q": flag, "/t": flag,
		},
		positional: argSpec{kind: valuePath},
		maxPos:     1,
	},
	"ping": {
		flags: map[string]argSpec{
			"-4": flag, "-6": flag,
			"-n": {kind: valueInt, min: 1, max: 10},
			"-w": {kind: valueInt, min: 1, max: 10000},
			"-l": {kind: valueInt, min: 0, max: 1472},
		},
		positional: argSpec{kind: valueHost},
		minPos:     1,
		maxPos:     1,
	},
	"tracert": {
		flags: map[string]argSpec{
			"-d": flag, "-4": flag, "-6": flag,
			"-h": {kind: valueInt, min: 1, max: 64},
			"-w": {kind: valueInt, min: 1, max: 10000},
		},
		positional: argSpec{kind: valueHost},
		minPos:     1,
		maxPos:     1,
	},
	"route": {
		flags: map[string]argSpec{
			"-4": flag, "-6": flag,
		},
		positional: argSpec{kind: valueEnum, enum: []string{"print"}},
		minPos:     1,
		maxPos:     1,
	},
	"arp": {
		flags: map[string]argSpec{
			"-a": flag, "-v": flag,
		},
		positional: argSpec{kind: valueIP},
		maxPos:     1,
	},
}

// Allowed returns the names of the permitted commands.
func Allowed() []string {
	names := make([]string, 0, len(allowed))
	for name := range allowed {
		names = append(names, name)
	}
	return names
}

// IsAllowed reports whether name is a permitted command.
func IsAllowed(name string) bool {
	_, ok := allowed[strings.ToLower(name)]
	return ok
}

var validate = validator.New()

var pathSegment = regexp.MustCompile(`^[A-Za-z0-9_ .\-]+$`)

var drivePrefix = regexp.MustCompile(`^[A-Za-z]:$`)

// New validates args against the grammar of name and returns the request.
// Flags and enumerated values are normalized to lower case.
func New(name string, args ...string) (Request, error) {
	cmd := strings.ToLower(strings.TrimSpace(name))
	spec, ok := allowed[cmd]
	if !ok {
		return Request{}, &Error{Command: name, Err: ErrUnknownCommand}
	}
	if len(args) > maxArgs {
		return Request{}, &Error{Command: cmd, Err: ErrTooManyArguments}
	}

	out := make([]string, 0, len(args))
	positional := 0
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "" || len(arg) > maxArgLen {
			return Request{}, &Error{Command: cmd, Arg: truncate(arg), Err: ErrInvalidValue}
		}

		if isFlag(arg) {
			key := strings.ToLower(arg)
			fs, ok := spec.flags[key]
			if !ok {
				return Request{}, &Error{Command: cmd, Arg: arg, Err: ErrArgumentNotAllowed}
			}
			out = append(out, key)
			if fs.kind == valueNone {
				continue
			}
			if i+1 >= len(args) {
				return Request{}, &Error{Command: cmd, Arg: arg, Err: ErrMissingArgument}
			}
			i++
			v, err := checkValue(fs, args[i])
			if err != nil {
				return Request{}, &Error{Command: cmd, Arg: args[i], Err: err}
			}
			out = append(out, v)
			continue
		}

		positional++
		if positional > spec.maxPos {
			return Request{}, &Error{Command: cmd, Arg: arg, Err: ErrTooManyArguments}
		}
		v, err := checkValue(spec.positional, arg)
		if err != nil {
			return Request{}, &Error{Command: cmd, Arg: arg, Err: err}
		}
		out = append(out, v)
	}

	if positional < spec.minPos {
		return Request{}, &Error{Command: cmd, Err: ErrMissingArgument}
	}
	return Request{Command: cmd, Args: out}, nil
}

// Parse splits a command line on whitespace and validates it with New.
// Quoting is not interpreted; a quote character is rejected like any other
// value that does not fit the grammar.
func Parse(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, &Error{Command: "", Err: ErrUnknownCommand}
	}
	return New(fields[0], fields[1:]...)
}

func isFlag(arg string) bool {
	return strings.HasPrefix(arg, "-") || strings.HasPrefix(arg, "/")
}

func checkValue(spec argSpec, value string) (string, error) {
	switch spec.kind {
	case valueInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("%w: not an integer", ErrInvalidValue)
		}
		if err := validate.Var(n, fmt.Sprintf("min=%d,max=%d", spec.min, spec.max)); err != nil {
			return "", fmt.Errorf("%w: must be in [%d, %d]", ErrInvalidValue, spec.min, spec.max)
		}
		return strconv.Itoa(n), nil

	case valueEnum:
		v := strings.ToLower(value)
		for _, opt := range spec.enum {
			if v == opt {
				return v, nil
			}
		}
		return "", fmt.Errorf("%w: must be one of %s", ErrInvalidValue, strings.Join(spec.enum, ", "))

	case valueHost:
		if len(value) > maxHostLen {
			return "", fmt.Errorf("%w: host too long", ErrInvalidValue)
		}
		if err := validate.Var(value, "required,ip|hostname_rfc1123"); err != nil {
			return "", fmt.Errorf("%w: not an IP address or hostname", ErrInvalidValue)
		}
		return value, nil

	case valueIP:
		if err := validate.Var(value, "required,ip"); err != nil {
			return "", fmt.Errorf("%w: not an IP address", ErrInvalidValue)
		}
		return value, nil

	case valuePath:
		if err := checkPath(value); err != nil {
			return "", err
		}
		return value, nil

	default:
		return "", ErrArgumentNotAllowed
	}
}

// checkPath accepts an optional drive letter followed by backslash
// separated segments of plain file name characters. Parent references are
// refused.
func checkPath(p string) error {
	segs := strings.Split(p, `\`)
	if len(segs) > maxPathSegs {
		return fmt.Errorf("%w: path too deep", ErrInvalidValue)
	}
	for i, seg := range segs {
		if seg == "" {
			// leading or trailing separator
			if i == 0 || i == len(segs)-1 {
				continue
			}
			return fmt.Errorf("%w: empty path segment", ErrInvalidValue)
		}
		if i == 0 && drivePrefix.MatchString(seg) {
			continue
		}
		if seg == ".." || !pathSegment.MatchString(seg) {
			return fmt.Errorf("%w: path segment %q", ErrInvalidValue, seg)
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
