package api

import (
	"encoding/json"
	"io"
)

func jsonEncode(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
