package restart

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nasa/FEI-sub000/internal/syslog"
)

// The legacy format is one line per file, "<name> <size> <modMillis>",
// optionally preceded by "#lastQuery <millis> [expression]".
const legacyQueryPrefix = "#lastQuery"

func readLegacy(path string, key Key) (state, error) {
	f, err := os.Open(path)
	if err != nil {
		return state{}, errNotFound
	}
	defer f.Close()

	st, err := parseLegacy(bufio.NewScanner(f), key)
	if err != nil {
		syslog.L.Warn().
			WithMessage("legacy restart file malformed").
			WithFields(map[string]interface{}{"path": path, "error": err.Error()}).
			Write()
		return state{}, errNotFound
	}
	return st, nil
}

func parseLegacy(sc *bufio.Scanner, key Key) (state, error) {
	st := newState(key)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if fields[0] == legacyQueryPrefix {
			if len(fields) < 2 {
				return st, fmt.Errorf("line %d: missing query time", lineNum)
			}
			ms, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return st, fmt.Errorf("line %d: %w", lineNum, err)
			}
			st.LastQueryTime = time.UnixMilli(ms)
			st.LastQueryExpression = strings.Join(fields[2:], " ")
			continue
		}

		if len(fields) != 3 {
			return st, fmt.Errorf("line %d: expected 3 fields, got %d", lineNum, len(fields))
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || size < 0 {
			return st, fmt.Errorf("line %d: invalid size %q", lineNum, fields[1])
		}
		ms, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return st, fmt.Errorf("line %d: invalid modification time %q", lineNum, fields[2])
		}
		st.Files[fields[0]] = Entry{Size: size, ModTime: time.UnixMilli(ms)}
	}
	if err := sc.Err(); err != nil {
		return st, err
	}
	return st, nil
}
