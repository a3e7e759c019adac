package server

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/loculus-project/seqlapis/internal/model"
)

// responseInfo is the info block attached to every JSON response.
type responseInfo struct {
	DataVersion  string `json:"dataVersion"`
	RequestID    string `json:"requestId"`
	RequestInfo  string `json:"requestInfo,omitempty"`
	LapisVersion string `json:"lapisVersion"`
}

type envelope struct {
	Data any          `json:"data"`
	Info responseInfo `json:"info"`
}

// writeResponse renders data as JSON, CSV, or TSV per the dataFormat
// control parameter, applying compression and download headers.
func writeResponse(w http.ResponseWriter, req *model.Request, dataVersion string, totalCount int, data any) {
	format := strings.ToLower(req.StringParam("dataFormat"))
	w.Header().Set("Lapis-Data-Version", dataVersion)

	switch format {
	case "csv", "tsv", "csv_without_headers", "tsv_without_headers":
		writeDelimited(w, req, format, data)
	default:
		writeJSON(w, req, dataVersion, totalCount, data)
	}
}

func writeJSON(w http.ResponseWriter, req *model.Request, dataVersion string, totalCount int, data any) {
	body := envelope{
		Data: data,
		Info: responseInfo{
			DataVersion:  dataVersion,
			RequestID:    uuid.NewString(),
			RequestInfo:  fmt.Sprintf("Matched %d sequences", totalCount),
			LapisVersion: Version,
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeMaybeCompressed(w, req, encoded, "", "")
}

func writeDelimited(w http.ResponseWriter, req *model.Request, format string, data any) {
	base := strings.TrimSuffix(format, "_without_headers")
	includeHeader := !strings.HasSuffix(format, "_without_headers")
	delimiter := byte(',')
	contentType := "text/csv;charset=UTF-8"
	if base == "tsv" {
		delimiter = '\t'
		contentType = "text/tab-separated-values;charset=UTF-8"
	}

	text := toDelimited(data, delimiter, includeHeader)
	w.Header().Set("Content-Type", contentType)
	writeMaybeCompressed(w, req, []byte(text), base, req.StringParam("downloadFileBasename"))
}

// writeMaybeCompressed applies the compression control parameter and the
// download attachment headers, then writes the payload.
func writeMaybeCompressed(w http.ResponseWriter, req *model.Request, payload []byte, fileExt, basename string) {
	compression := strings.ToLower(req.StringParam("compression"))
	ext := ""
	switch compression {
	case "gzip":
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write(payload)
		if err := gz.Close(); err == nil {
			payload = buf.Bytes()
			w.Header().Set("Content-Encoding", "gzip")
			ext = ".gz"
		}
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err == nil {
			payload = enc.EncodeAll(payload, nil)
			enc.Close()
			w.Header().Set("Content-Encoding", "zstd")
			ext = ".zst"
		}
	}

	if fileExt != "" && req.BoolParam("downloadAsFile") {
		if basename == "" {
			basename = "data"
		}
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s.%s%s", basename, fileExt, ext))
	}
	w.Write(payload)
}

// writeFasta renders a FASTA payload with compression and download
// handling; the basename defaults to "sequences".
func writeFasta(w http.ResponseWriter, req *model.Request, dataVersion, fasta string) {
	w.Header().Set("Lapis-Data-Version", dataVersion)
	w.Header().Set("Content-Type", "text/x-fasta;charset=UTF-8")

	basename := req.StringParam("downloadFileBasename")
	if basename == "" {
		basename = "sequences"
	}
	writeMaybeCompressed(w, req, []byte(fasta), "fasta", basename)
}

// toDelimited flattens a list of JSON objects into CSV/TSV text. Columns
// come from the first row's keys, sorted.
func toDelimited(data any, delimiter byte, includeHeader bool) string {
	rows, ok := data.([]map[string]any)
	if !ok {
		if generic, isList := data.([]any); isList {
			for _, e := range generic {
				if m, isMap := e.(map[string]any); isMap {
					rows = append(rows, m)
				}
			}
		}
	}
	if len(rows) == 0 {
		return ""
	}

	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	d := string(delimiter)
	var b strings.Builder
	if includeHeader {
		b.WriteString(strings.Join(columns, d))
		b.WriteByte('\n')
	}
	for _, row := range rows {
		vals := make([]string, len(columns))
		for i, col := range columns {
			vals[i] = delimitedValue(row[col], delimiter)
		}
		b.WriteString(strings.Join(vals, d))
		b.WriteByte('\n')
	}
	return b.String()
}

func delimitedValue(v any, delimiter byte) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return csvEscape(t, delimiter)
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return csvEscape(string(encoded), delimiter)
	}
}

func csvEscape(s string, delimiter byte) string {
	if strings.ContainsAny(s, string(delimiter)+"\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

// writeError emits the problem-detail error body.
func writeError(w http.ResponseWriter, status int, detail string) {
	title := "Internal Server Error"
	switch status {
	case http.StatusBadRequest:
		title = "Bad Request"
	case http.StatusNotFound:
		title = "Not Found"
	}
	body := map[string]any{
		"error": map[string]any{
			"type":   "about:blank",
			"title":  title,
			"status": status,
			"detail": detail,
		},
		"info": responseInfo{
			RequestID:    uuid.NewString(),
			LapisVersion: Version,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
