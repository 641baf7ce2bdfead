package modem

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// scanATLines splits modem output into lines, and reports the bare ">" send
// prompt (which is not newline terminated) as its own token.
func scanATLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}
	if trimmed := bytes.TrimLeft(data, "\r"); len(trimmed) > 0 && trimmed[0] == '>' {
		return len(data), []byte(">"), nil
	}
	if atEOF {
		return len(data), bytes.TrimRight(data, "\r"), nil
	}
	return 0, nil, nil
}

// isFinalError reports whether a response line ends a command unsuccessfully.
func isFinalError(line string) bool {
	return line == "ERROR" ||
		strings.HasPrefix(line, "+CME ERROR") ||
		strings.HasPrefix(line, "+CMS ERROR")
}

// parseCPMS extracts used and total counts of the first storage from
// `+CPMS: "SM",3,30,"SM",3,30,"SM",3,30`.
func parseCPMS(lines []string) (used, total int, err error) {
	for _, line := range lines {
		if !strings.HasPrefix(line, "+CPMS:") {
			continue
		}
		fields, err := splitCSV(strings.TrimSpace(strings.TrimPrefix(line, "+CPMS:")))
		if err != nil || len(fields) < 3 {
			return 0, 0, fmt.Errorf("malformed CPMS response %q", line)
		}
		if used, err = strconv.Atoi(strings.TrimSpace(fields[1])); err != nil {
			return 0, 0, fmt.Errorf("malformed CPMS used count %q", line)
		}
		if total, err = strconv.Atoi(strings.TrimSpace(fields[2])); err != nil {
			return 0, 0, fmt.Errorf("malformed CPMS total count %q", line)
		}
		return used, total, nil
	}
	return 0, 0, fmt.Errorf("no CPMS line in response")
}

// cmgrMessage is one message read with AT+CMGR in text mode.
type cmgrMessage struct {
	Sender    string
	Timestamp time.Time
	Text      string
}

// parseCMGR parses
//
//	+CMGR: "REC UNREAD","+523331234567",,"24/05/01,10:00:12-24"
//	message text
//
// ok is false when the slot was empty. The timestamp is read as device local
// wall clock; its zone suffix is ignored.
func parseCMGR(lines []string, loc *time.Location) (msg cmgrMessage, ok bool, err error) {
	for i, line := range lines {
		if !strings.HasPrefix(line, "+CMGR:") {
			continue
		}
		fields, err := splitCSV(strings.TrimSpace(strings.TrimPrefix(line, "+CMGR:")))
		if err != nil || len(fields) < 4 {
			return cmgrMessage{}, false, fmt.Errorf("malformed CMGR header %q", line)
		}
		ts, err := parseModemTime(fields[3], loc)
		if err != nil {
			return cmgrMessage{}, false, err
		}
		return cmgrMessage{
			Sender:    strings.TrimSpace(fields[1]),
			Timestamp: ts,
			Text:      strings.Join(lines[i+1:], "\n"),
		}, true, nil
	}
	return cmgrMessage{}, false, nil
}

const modemTimeLayout = "06/01/02,15:04:05"

func parseModemTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < len(modemTimeLayout) {
		return time.Time{}, fmt.Errorf("malformed modem timestamp %q", raw)
	}
	t, err := time.ParseInLocation(modemTimeLayout, raw[:len(modemTimeLayout)], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed modem timestamp %q: %w", raw, err)
	}
	return t, nil
}

func splitCSV(s string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(s))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	return r.Read()
}

// sanitizeBody strips the control characters that terminate or abort AT+CMGS.
func sanitizeBody(body string) string {
	return strings.Map(func(r rune) rune {
		if r == 0x1a || r == 0x1b {
			return -1
		}
		return r
	}, body)
}
