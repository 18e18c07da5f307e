package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func needsQuote(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\r\n\"\\")
}

// QuoteArg returns s as a single command argument.
func QuoteArg(s string) string {
	if needsQuote(s) {
		return strconv.Quote(s)
	}
	return s
}

// SplitArgs is the inverse of joining QuoteArg results with spaces.
func SplitArgs(s string) ([]string, error) {
	var args []string
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return args, nil
		}
		if s[0] == '"' {
			q, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("bad quoted argument in %q: %w", s, err)
			}
			v, err := strconv.Unquote(q)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
			s = s[len(q):]
			continue
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			end = len(s)
		}
		args = append(args, s[:end])
		s = s[end:]
	}
}

// FormatTime renders t as Unix milliseconds. The zero time is "0".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseTime reads Unix milliseconds. Empty and "0" yield the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return time.UnixMilli(ms), nil
}

// EncodeCommand renders one command line without the trailing newline.
func EncodeCommand(version string, cmd Command, args ...string) string {
	var b strings.Builder
	b.WriteString(version)
	b.WriteByte(' ')
	b.WriteString(cmd.String())
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(QuoteArg(a))
	}
	return b.String()
}

// DecodeCommand parses a line produced by EncodeCommand.
func DecodeCommand(line string) (version string, cmd Command, args []string, err error) {
	version, rest, ok := strings.Cut(line, " ")
	if !ok {
		return "", Command{}, nil, fmt.Errorf("missing command in %q", line)
	}
	word, rest, _ := strings.Cut(rest, " ")
	if len(word) != 9 {
		return "", Command{}, nil, fmt.Errorf("malformed command word %q", word)
	}
	args, err = SplitArgs(rest)
	if err != nil {
		return "", Command{}, nil, err
	}
	return version, Command{Verb: word[:8], Mod: word[8]}, args, nil
}
