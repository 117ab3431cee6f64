package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

type formatterFn func(data []map[string]any, w http.ResponseWriter) error

var formatters = map[string]formatterFn{
	"json":   JsonFormatter,
	"ndjson": NDJsonFormatter,
}

func JsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(QueryResponse{
		Results: ProcessResultsForJSON(data),
	})
}

// NDJsonFormatter writes one JSON object per line.
func NDJsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, result := range ProcessResultsForJSON(data) {
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return nil
}

// ProcessResultsForJSON prepares results for JSON serialization
func ProcessResultsForJSON(results []map[string]interface{}) []map[string]interface{} {
	processedResults := make([]map[string]interface{}, len(results))

	for i, row := range results {
		processedRow := make(map[string]interface{}, len(row))
		for key, value := range row {
			switch v := value.(type) {
			case nil:
				processedRow[key] = nil
			case int64:
				// keeps precision for JS clients
				processedRow[key] = strconv.FormatInt(v, 10)
			case time.Time:
				processedRow[key] = v.Format(time.RFC3339Nano)
			default:
				processedRow[key] = v
			}
		}
		processedResults[i] = processedRow
	}

	return processedResults
}
