package columnstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hookgate/receiver/internal/core"
)

// RequestRow is one row of the requests table, shaped for JSONEachRow
// inserts.
type RequestRow struct {
	EndpointID  string `json:"endpoint_id"`
	Slug        string `json:"slug"`
	UserID      string `json:"user_id"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Headers     string `json:"headers"`
	Body        string `json:"body"`
	QueryParams string `json:"query_params"`
	IP          string `json:"ip"`
	ContentType string `json:"content_type"`
	Size        uint32 `json:"size"`
	IsEphemeral bool   `json:"is_ephemeral"`
	// DateTime64(3) as decimal epoch seconds, e.g. "1739800496.789".
	ReceivedAt string `json:"received_at"`
}

// RowFromBuffered maps a buffered request plus endpoint metadata to a
// column-store row.
func RowFromBuffered(req *core.BufferedRequest, slug string, info *core.EndpointInfo) RequestRow {
	var contentType string
	for k, v := range req.Headers {
		if strings.EqualFold(k, "content-type") {
			contentType = v
			break
		}
	}

	size := uint32(0xFFFFFFFF)
	if len(req.Body) < int(size) {
		size = uint32(len(req.Body))
	}

	headersJSON, _ := json.Marshal(req.Headers)
	queryJSON, _ := json.Marshal(req.QueryParams)

	return RequestRow{
		EndpointID:  info.EndpointID,
		Slug:        slug,
		UserID:      info.UserID,
		Method:      req.Method,
		Path:        req.Path,
		Headers:     string(headersJSON),
		Body:        req.Body,
		QueryParams: string(queryJSON),
		IP:          req.IP,
		ContentType: contentType,
		Size:        size,
		IsEphemeral: info.IsEphemeral,
		ReceivedAt:  EncodeTimestamp(req.ReceivedAt),
	}
}

// EncodeTimestamp converts epoch milliseconds to the decimal-seconds
// string the column store accepts for DateTime64(3). Euclidean division
// keeps negative timestamps well-formed (-1 ms -> "-1.999").
func EncodeTimestamp(ms int64) string {
	secs := ms / 1000
	rem := ms % 1000
	if rem < 0 {
		secs--
		rem += 1000
	}
	return fmt.Sprintf("%d.%03d", secs, rem)
}

// ResponseRow is a row as the column store returns it from queries.
type ResponseRow struct {
	EndpointID  string `json:"endpoint_id"`
	Slug        string `json:"slug"`
	UserID      string `json:"user_id"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Headers     string `json:"headers"`
	Body        string `json:"body"`
	QueryParams string `json:"query_params"`
	IP          string `json:"ip"`
	ContentType string `json:"content_type"`
	Size        uint32 `json:"size"`
	IsEphemeral bool   `json:"is_ephemeral"`
	ReceivedAt  string `json:"received_at"`
}

// SearchResult is the JSON-friendly shape served by the search endpoint.
type SearchResult struct {
	ID          string            `json:"id"`
	Slug        string            `json:"slug"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"`
	QueryParams map[string]string `json:"queryParams"`
	ContentType string            `json:"contentType,omitempty"`
	IP          string            `json:"ip"`
	Size        uint32            `json:"size"`
	ReceivedAt  float64           `json:"receivedAt"`
}

// ResultFromRow parses a response row into a search result, synthesizing
// a stable ID of the form slug:ms:hash16. NUL separators in the hash
// input prevent field-boundary collisions.
func ResultFromRow(row *ResponseRow) SearchResult {
	headers := map[string]string{}
	if err := json.Unmarshal([]byte(row.Headers), &headers); err != nil {
		headers = map[string]string{}
	}
	queryParams := map[string]string{}
	if err := json.Unmarshal([]byte(row.QueryParams), &queryParams); err != nil {
		queryParams = map[string]string{}
	}

	receivedAt := ParseReceivedAt(row.ReceivedAt)

	h := sha256.New()
	for _, field := range []string{row.Method, row.Path, row.Headers, row.Body, row.QueryParams} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	h.Write([]byte(row.IP))
	digest := h.Sum(nil)
	suffix := binary.LittleEndian.Uint64(digest[:8])

	return SearchResult{
		ID:          fmt.Sprintf("%s:%d:%016x", row.Slug, int64(receivedAt), suffix),
		Slug:        row.Slug,
		Method:      row.Method,
		Path:        row.Path,
		Headers:     headers,
		Body:        row.Body,
		QueryParams: queryParams,
		ContentType: row.ContentType,
		IP:          row.IP,
		Size:        row.Size,
		ReceivedAt:  receivedAt,
	}
}

// ParseReceivedAt converts a column-store DateTime64 value to epoch
// milliseconds. Accepts plain epoch seconds ("1739800496.789", sanity
// checked to 2000..2100) and "YYYY-MM-DD HH:MM:SS.mmm".
func ParseReceivedAt(s string) float64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 946_684_800 && f < 4_102_444_800 {
		return f * 1000
	}

	if len(s) >= 19 {
		datetime, frac, _ := strings.Cut(s, ".")
		var millis int64
		if frac != "" {
			if len(frac) > 3 {
				frac = frac[:3]
			}
			n, err := strconv.ParseInt(frac, 10, 64)
			if err == nil {
				switch len(frac) {
				case 1:
					millis = n * 100
				case 2:
					millis = n * 10
				default:
					millis = n
				}
			}
		}
		if secs, ok := parseDateTimeEpoch(datetime); ok {
			return float64(secs*1000 + millis)
		}
	}

	slog.Warn("unparseable column store timestamp", "value", s)
	return 0
}

// parseDateTimeEpoch parses "YYYY-MM-DD HH:MM:SS" (UTC) to epoch seconds.
func parseDateTimeEpoch(s string) (int64, bool) {
	if len(s) < 19 {
		return 0, false
	}
	atoi := func(sub string) (int64, bool) {
		n, err := strconv.ParseInt(sub, 10, 64)
		return n, err == nil
	}

	year, ok1 := atoi(s[0:4])
	month, ok2 := atoi(s[5:7])
	day, ok3 := atoi(s[8:10])
	hour, ok4 := atoi(s[11:13])
	min, ok5 := atoi(s[14:16])
	sec, ok6 := atoi(s[17:19])
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return 0, false
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || min > 59 || sec > 59 {
		return 0, false
	}

	leap := func(y int64) bool {
		return (y%4 == 0 && y%100 != 0) || y%400 == 0
	}

	var days int64
	for y := int64(1970); y < year; y++ {
		if leap(y) {
			days += 366
		} else {
			days += 365
		}
	}
	monthDays := [12]int64{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	if leap(year) {
		monthDays[1] = 29
	}
	for m := int64(0); m < month-1; m++ {
		days += monthDays[m]
	}
	days += day - 1

	return days*86400 + hour*3600 + min*60 + sec, true
}
