package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ReplyKind int

const (
	ReplyStatus ReplyKind = iota
	ReplyInfo
	ReplyName
	ReplyHeartbeat
	ReplyMessage
	ReplyVerify
	ReplyDone
	ReplyMore
	ReplyPing
	ReplyKilled
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyStatus:
		return "status"
	case ReplyInfo:
		return "info"
	case ReplyName:
		return "name"
	case ReplyHeartbeat:
		return "heartbeat"
	case ReplyMessage:
		return "message"
	case ReplyVerify:
		return "verify"
	case ReplyDone:
		return "done"
	case ReplyMore:
		return "more"
	case ReplyPing:
		return "ping"
	case ReplyKilled:
		return "killed"
	}
	return "unknown"
}

// Literal reply lines.
const (
	LineDone   = "done"
	LineMore   = "more"
	LinePing   = "ping"
	LineKilled = "killed"
)

// Reply tags.
const (
	TagInfo      = 'i'
	TagName      = 'l'
	TagHeartbeat = 'p'
	TagMessage   = 'm'
	TagVerify    = 'v'
)

// FileInfo is the payload of an "i" line.
type FileInfo struct {
	Name        string
	Size        int64
	ModTime     time.Time
	Checksum    string
	Receipt     string
	Location    string
	Contributor string
	Comment     string
}

// Line renders the info as an "i" reply line.
func (fi FileInfo) Line() string {
	return strings.Join([]string{
		string(TagInfo),
		fi.Name,
		strconv.FormatInt(fi.Size, 10),
		FormatTime(fi.ModTime),
		fi.Checksum,
		fi.Receipt,
		fi.Location,
		fi.Contributor,
		fi.Comment,
	}, "\t")
}

// Reply is one decoded server line.
type Reply struct {
	Kind ReplyKind
	Raw  string

	Code    int
	Message string // status message, "m" text or "v" prompt

	Info    FileInfo // ReplyInfo
	Name    string   // ReplyName
	Seconds int      // ReplyHeartbeat
}

// StatusLine renders a status reply line.
func StatusLine(code int, msg string) string {
	return fmt.Sprintf("%d: %s", code, msg)
}

// ParseReply decodes one line without its terminator.
func ParseReply(line string) (Reply, error) {
	r := Reply{Raw: line}

	switch line {
	case LineDone:
		r.Kind = ReplyDone
		return r, nil
	case LineMore:
		r.Kind = ReplyMore
		return r, nil
	case LinePing:
		r.Kind = ReplyPing
		return r, nil
	case LineKilled:
		r.Kind = ReplyKilled
		return r, nil
	}

	if len(line) >= 2 && line[1] == '\t' {
		fields := strings.Split(line[2:], "\t")
		switch line[0] {
		case TagInfo:
			fi, err := parseInfo(fields)
			if err != nil {
				return r, &ProtocolError{Line: line, Reason: err.Error()}
			}
			r.Kind, r.Info = ReplyInfo, fi
			return r, nil
		case TagName:
			r.Kind, r.Name = ReplyName, fields[0]
			return r, nil
		case TagHeartbeat:
			n, err := strconv.Atoi(fields[0])
			if err != nil || n < 0 {
				return r, &ProtocolError{Line: line, Reason: "invalid heartbeat interval"}
			}
			r.Kind, r.Seconds = ReplyHeartbeat, n
			return r, nil
		case TagMessage:
			r.Kind, r.Message = ReplyMessage, line[2:]
			return r, nil
		case TagVerify:
			r.Kind, r.Message = ReplyVerify, line[2:]
			return r, nil
		}
		return r, &ProtocolError{Line: line, Reason: "unknown tag"}
	}

	if codeStr, msg, ok := strings.Cut(line, ":"); ok {
		code, err := strconv.Atoi(codeStr)
		if err == nil {
			r.Kind = ReplyStatus
			r.Code = code
			r.Message = strings.TrimSpace(msg)
			return r, nil
		}
	}

	return r, &ProtocolError{Line: line, Reason: "unrecognized reply"}
}

func parseInfo(fields []string) (FileInfo, error) {
	if len(fields) < 3 {
		return FileInfo{}, fmt.Errorf("file info has %d fields, need at least 3", len(fields))
	}
	for len(fields) < 8 {
		fields = append(fields, "")
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return FileInfo{}, fmt.Errorf("invalid size %q", fields[1])
	}
	mod, err := ParseTime(fields[2])
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{
		Name:        fields[0],
		Size:        size,
		ModTime:     mod,
		Checksum:    fields[3],
		Receipt:     fields[4],
		Location:    fields[5],
		Contributor: fields[6],
		Comment:     fields[7],
	}, nil
}
